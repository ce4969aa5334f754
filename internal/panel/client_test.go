package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, "admin", "secret")
	require.NoError(t, err)
	return c
}

func loginOK(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	if r.PostFormValue("username") != "admin" || r.PostFormValue("password") != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "msg": "invalid credentials"})
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "3x-ui", Value: "session"})
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
}

func TestAuthenticateJSONSuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", loginOK)
	c := newTestClient(t, mux)
	require.NoError(t, c.Authenticate(context.Background()))
}

func TestAuthenticateCookieOnlySuccess(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "x"})
		w.Write([]byte("<html>ok</html>"))
	})
	c := newTestClient(t, mux)
	require.NoError(t, c.Authenticate(context.Background()))
}

func TestAuthenticateRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "msg": "wrong password"})
	})
	c := newTestClient(t, mux)
	err := c.Authenticate(context.Background())
	require.ErrorIs(t, err, ErrAuth)
}

func TestAddClientSendsSettingsEnvelope(t *testing.T) {
	var got struct {
		ID       int    `json:"id"`
		Settings string `json:"settings"`
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/login", loginOK)
	mux.HandleFunc("/panel/api/inbounds/addClient", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	c := newTestClient(t, mux)

	spec := NewClientSpec("11111111-2222-3333-4444-555555555555", "corsarvpn_100_iphone_1", 1700000000000)
	require.NoError(t, c.AddClient(context.Background(), spec))

	assert.Equal(t, 1, got.ID)
	var settings struct {
		Clients []ClientSpec `json:"clients"`
	}
	require.NoError(t, json.Unmarshal([]byte(got.Settings), &settings))
	require.Len(t, settings.Clients, 1)
	cl := settings.Clients[0]
	assert.Equal(t, spec.ID, cl.ID)
	assert.Equal(t, "corsarvpn_100_iphone_1", cl.Email)
	assert.Equal(t, "corsarvpn_100_iphone_1", cl.TgID)
	assert.Equal(t, "xtls-rprx-vision", cl.Flow)
	assert.Equal(t, 90, cl.AlterID)
	assert.Equal(t, 1, cl.LimitIP)
	assert.Equal(t, int64(0), cl.TotalGB)
	assert.Equal(t, int64(1700000000000), cl.ExpiryTime)
	assert.True(t, cl.Enable)
}

func TestCallReauthenticatesOnExpiredSession(t *testing.T) {
	logins := 0
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		logins++
		loginOK(w, r)
	})
	mux.HandleFunc("/panel/api/inbounds/list", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "obj": []any{}})
	})
	c := newTestClient(t, mux)

	_, err := c.ListInbounds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, logins)
	assert.Equal(t, 2, calls)
}

func TestDeleteClientNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", loginOK)
	mux.HandleFunc("/panel/api/inbounds/1/delClient/dead-beef", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "msg": "client not found"})
	})
	c := newTestClient(t, mux)

	err := c.DeleteClient(context.Background(), "dead-beef")
	require.ErrorIs(t, err, ErrClientNotFound)
}

func TestRenderKeyURI(t *testing.T) {
	in := &Inbound{
		ID:       1,
		Port:     443,
		Protocol: "vless",
		StreamSettings: `{
			"network": "tcp",
			"security": "reality",
			"realitySettings": {
				"serverNames": ["cdn.example.com"],
				"shortIds": ["ab12"],
				"settings": {"publicKey": "PBK123", "fingerprint": "chrome"}
			}
		}`,
	}
	uri, err := RenderKeyURI(in, "1.2.3.4", "uuid-1", "corsarvpn_100_iphone_1", "xtls-rprx-vision")
	require.NoError(t, err)
	assert.Contains(t, uri, "vless://uuid-1@1.2.3.4:443?")
	assert.Contains(t, uri, "type=tcp")
	assert.Contains(t, uri, "security=reality")
	assert.Contains(t, uri, "pbk=PBK123")
	assert.Contains(t, uri, "fp=chrome")
	assert.Contains(t, uri, "sni=cdn.example.com")
	assert.Contains(t, uri, "sid=ab12")
	assert.Contains(t, uri, "spx=%2F")
	assert.Contains(t, uri, "flow=xtls-rprx-vision")
	assert.Contains(t, uri, "#corsarvpn_100_iphone_1")

	uriNoFlow, err := RenderKeyURI(in, "1.2.3.4", "uuid-1", "k", "")
	require.NoError(t, err)
	assert.NotContains(t, uriNoFlow, "flow=")
}

func TestExpiryMS(t *testing.T) {
	finish := time.UnixMilli(1700000000000)
	got := ExpiryMS(finish, 3*time.Hour)
	want := int64(1700000000000) + 86400000 - 10800000
	assert.Equal(t, want, got)
}
