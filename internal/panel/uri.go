package panel

import (
	"encoding/json"
	"fmt"
	"net/url"
)

type streamSettings struct {
	Network         string `json:"network"`
	Security        string `json:"security"`
	RealitySettings struct {
		ServerNames []string `json:"serverNames"`
		ShortIDs    []string `json:"shortIds"`
		Settings    struct {
			PublicKey   string `json:"publicKey"`
			Fingerprint string `json:"fingerprint"`
		} `json:"settings"`
	} `json:"realitySettings"`
}

// RenderKeyURI builds the vless connection URI for a provisioned client
// from the inbound's stream settings. The flow parameter appears only when
// the client record carries one.
func RenderKeyURI(in *Inbound, host, clientID, name, flow string) (string, error) {
	var ss streamSettings
	if err := json.Unmarshal([]byte(in.StreamSettings), &ss); err != nil {
		return "", fmt.Errorf("%w: stream settings: %v", ErrUnexpected, err)
	}
	fp := ss.RealitySettings.Settings.Fingerprint
	if fp == "" {
		fp = "chrome"
	}
	q := url.Values{}
	q.Set("type", ss.Network)
	q.Set("security", ss.Security)
	q.Set("pbk", ss.RealitySettings.Settings.PublicKey)
	q.Set("fp", fp)
	if len(ss.RealitySettings.ServerNames) > 0 {
		q.Set("sni", ss.RealitySettings.ServerNames[0])
	}
	if len(ss.RealitySettings.ShortIDs) > 0 {
		q.Set("sid", ss.RealitySettings.ShortIDs[0])
	}
	q.Set("spx", "/")
	if flow != "" {
		q.Set("flow", flow)
	}
	u := url.URL{
		Scheme:   "vless",
		Host:     fmt.Sprintf("%s:%d", host, in.Port),
		User:     url.User(clientID),
		RawQuery: q.Encode(),
		Fragment: name,
	}
	return u.String(), nil
}
