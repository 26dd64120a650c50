package sipclient

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/sebas/sipagent/internal/logger"
)

// authorizeRegister builds the follow-up REGISTER answering a 401 or 407
// digest challenge. The retried request keeps the Call-ID and bumps the
// CSeq so the registrar sees it as a continuation.
func (c *Client) authorizeRegister(registrar, user, callID string, challenge *sip.Response) (*sip.Request, error) {
	challengeHeader := "WWW-Authenticate"
	authHeader := "Authorization"
	if challenge.StatusCode == 407 {
		challengeHeader = "Proxy-Authenticate"
		authHeader = "Proxy-Authorization"
	}

	h := challenge.GetHeader(challengeHeader)
	if h == nil {
		return nil, fmt.Errorf("challenge response missing %s header", challengeHeader)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing digest challenge: %w", err)
	}

	req, err := c.buildRegister(registrar, user, callID, 2)
	if err != nil {
		return nil, err
	}

	username := c.cfg.AuthUser
	if username == "" {
		username = user
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: c.cfg.AuthPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest credentials: %w", err)
	}

	req.AppendHeader(sip.NewHeader(authHeader, cred.String()))
	logger.Debug("[SIPClient] Answering digest challenge",
		"client_id", c.id, "call_id", callID, "realm", chal.Realm)
	return req, nil
}
