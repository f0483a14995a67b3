// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ptz drives ONVIF pan-tilt-zoom cameras. The SOAP client
// speaks WS-Security UsernameToken digest auth, which is what the
// cheap appliance-grade cameras actually require.
package ptz

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1" // #nosec G505 -- WS-Security UsernameToken digest is defined over SHA-1
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Position is a normalized ONVIF PTZ vector. Pan and tilt live in
// [-1, 1], zoom in [0, 1].
type Position struct {
	Pan  float64
	Tilt float64
	Zoom float64
}

// Client is a minimal ONVIF PTZ SOAP client bound to one device
// endpoint.
type Client struct {
	Endpoint string
	Username string
	Password string
	HTTP     *http.Client
}

// NewClient validates the device-service URL and returns a client with
// a short per-call timeout. PTZ moves must not stall cue transitions.
func NewClient(endpoint, username, password string) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("onvif endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("onvif endpoint %q: missing scheme or host", endpoint)
	}
	return &Client{
		Endpoint: u.String(),
		Username: username,
		Password: password,
		HTTP:     &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// ProfileToken returns the first media profile token. Single-profile
// devices are the norm on this hardware.
func (c *Client) ProfileToken(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, `<trt:GetProfiles xmlns:trt="http://www.onvif.org/ver10/media/wsdl"/>`)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Body struct {
			GetProfilesResponse struct {
				Profiles []struct {
					Token string `xml:"token,attr"`
				} `xml:"Profiles"`
			} `xml:"GetProfilesResponse"`
		}
	}
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return "", fmt.Errorf("parse GetProfiles: %w", err)
	}
	profiles := parsed.Body.GetProfilesResponse.Profiles
	if len(profiles) == 0 {
		return "", fmt.Errorf("device at %s reports no media profiles", c.Endpoint)
	}
	return profiles[0].Token, nil
}

// AbsoluteMove drives the camera to the given normalized position.
// The call returns when the device accepts the move, not when the
// head stops; callers apply the settle delay.
func (c *Client) AbsoluteMove(ctx context.Context, profileToken string, pos Position) error {
	reqBody := fmt.Sprintf(`<tptz:AbsoluteMove xmlns:tptz="http://www.onvif.org/ver20/ptz/wsdl">
		<tptz:ProfileToken>%s</tptz:ProfileToken>
		<tptz:Position>
			<tt:PanTilt xmlns:tt="http://www.onvif.org/ver10/schema" x="%g" y="%g"/>
			<tt:Zoom xmlns:tt="http://www.onvif.org/ver10/schema" x="%g"/>
		</tptz:Position>
	</tptz:AbsoluteMove>`, profileToken, pos.Pan, pos.Tilt, pos.Zoom)

	_, err := c.do(ctx, reqBody)
	return err
}

// GetStatus reads the current PTZ position, used for preset capture.
func (c *Client) GetStatus(ctx context.Context, profileToken string) (Position, error) {
	reqBody := fmt.Sprintf(`<tptz:GetStatus xmlns:tptz="http://www.onvif.org/ver20/ptz/wsdl">
		<tptz:ProfileToken>%s</tptz:ProfileToken>
	</tptz:GetStatus>`, profileToken)

	resp, err := c.do(ctx, reqBody)
	if err != nil {
		return Position{}, err
	}
	var parsed struct {
		Body struct {
			GetStatusResponse struct {
				PTZStatus struct {
					Position struct {
						PanTilt struct {
							X float64 `xml:"x,attr"`
							Y float64 `xml:"y,attr"`
						} `xml:"PanTilt"`
						Zoom struct {
							X float64 `xml:"x,attr"`
						} `xml:"Zoom"`
					} `xml:"Position"`
				} `xml:"PTZStatus"`
			} `xml:"GetStatusResponse"`
		}
	}
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return Position{}, fmt.Errorf("parse GetStatus: %w", err)
	}
	p := parsed.Body.GetStatusResponse.PTZStatus.Position
	return Position{Pan: p.PanTilt.X, Tilt: p.PanTilt.Y, Zoom: p.Zoom.X}, nil
}

// do wraps bodyInner in a SOAP 1.2 envelope with the security header
// and posts it to the device endpoint.
func (c *Client) do(ctx context.Context, bodyInner string) ([]byte, error) {
	envelope := `<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">
	<s:Header>%s</s:Header>
	<s:Body>%s</s:Body>
</s:Envelope>`
	payload := fmt.Sprintf(envelope, c.securityHeader(), bodyInner)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewBufferString(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `application/soap+xml; charset=utf-8; action=""`)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fault, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("onvif %d from %s: %s", resp.StatusCode, c.Endpoint, string(fault))
	}
	return io.ReadAll(resp.Body)
}

// securityHeader builds the WS-Security UsernameToken with a password
// digest. Digest = Base64(SHA1(nonce + created + password)), with the
// raw nonce bytes in the hash and the base64 form on the wire.
func (c *Client) securityHeader() string {
	if c.Username == "" {
		return ""
	}
	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)
	created := time.Now().UTC().Format(time.RFC3339)

	h := sha1.New() // #nosec G401 -- mandated by the UsernameToken profile
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(c.Password))
	digest := base64.StdEncoding.EncodeToString(h.Sum(nil))

	return fmt.Sprintf(`<Security xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd">
		<UsernameToken>
			<Username>%s</Username>
			<Password Type="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest">%s</Password>
			<Nonce EncodingType="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary">%s</Nonce>
			<Created xmlns="http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd">%s</Created>
		</UsernameToken>
	</Security>`, c.Username, digest, base64.StdEncoding.EncodeToString(nonce), created)
}
