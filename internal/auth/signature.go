package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// maxClockSkew bounds how far a signed Date header may drift from server
// time before the signature is rejected.
const maxClockSkew = 5 * time.Minute

type signatureParams struct {
	keyID     string
	algorithm string
	headers   []string
	signature string
}

// fromSignature authenticates an `Authorization: Signature ...` header
// carrying an HMAC-SHA256 signature over the declared headers.
func (g *Gate) fromSignature(r *http.Request, header string) (*Principal, bool, error) {
	params, ok := parseSignatureHeader(header)
	if !ok {
		return nil, false, nil
	}

	cred, err := g.dir.Lookup(r.Context(), params.keyID)
	if err != nil || cred.SignatureKey == "" {
		return nil, true, ErrBadCredentials
	}
	if params.algorithm != "" && params.algorithm != "hmac-sha256" {
		return nil, true, ErrBadCredentials
	}

	msg, err := signingString(r, params.headers)
	if err != nil {
		return nil, true, ErrBadCredentials
	}
	if !verifyHMAC(cred.SignatureKey, msg, params.signature) {
		return nil, true, ErrBadCredentials
	}
	if err := g.checkDate(r, params.headers); err != nil {
		return nil, true, err
	}
	return &Principal{Name: cred.Name, Admin: cred.Admin}, true, nil
}

// parseSignatureHeader splits a header of the form
//
//	Signature keyId="alice",algorithm="hmac-sha256",headers="(request-target) date",signature="..."
//
// into its parameters. Returns ok=false when the header is not a
// Signature scheme at all.
func parseSignatureHeader(header string) (*signatureParams, bool) {
	const scheme = "Signature "
	if !strings.HasPrefix(header, scheme) {
		return nil, false
	}

	params := &signatureParams{headers: []string{"date"}}
	for _, part := range strings.Split(header[len(scheme):], ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "keyId":
			params.keyID = value
		case "algorithm":
			params.algorithm = strings.ToLower(value)
		case "headers":
			params.headers = strings.Fields(strings.ToLower(value))
		case "signature":
			params.signature = value
		}
	}
	if params.keyID == "" || params.signature == "" {
		return nil, true
	}
	return params, true
}

// signingString reconstructs the signed message per the HTTP Signatures
// draft: one "name: value" line per declared header, with
// "(request-target)" expanding to lowercase method and request URI.
func signingString(r *http.Request, headers []string) (string, error) {
	lines := make([]string, 0, len(headers))
	for _, name := range headers {
		if name == "(request-target)" {
			target := strings.ToLower(r.Method) + " " + r.URL.RequestURI()
			lines = append(lines, "(request-target): "+target)
			continue
		}
		value := r.Header.Get(name)
		if value == "" {
			return "", fmt.Errorf("signed header %q missing from request", name)
		}
		lines = append(lines, name+": "+value)
	}
	return strings.Join(lines, "\n"), nil
}

func verifyHMAC(key, msg, signature string) bool {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(msg))
	return hmac.Equal(mac.Sum(nil), raw)
}

// checkDate rejects replayed signatures once the signed Date header falls
// outside the allowed clock skew. Unsigned dates are not our problem.
func (g *Gate) checkDate(r *http.Request, headers []string) error {
	signed := false
	for _, name := range headers {
		if name == "date" {
			signed = true
			break
		}
	}
	if !signed {
		return nil
	}
	date, err := http.ParseTime(r.Header.Get("Date"))
	if err != nil {
		return ErrBadCredentials
	}
	skew := g.now().Sub(date)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxClockSkew {
		return ErrBadCredentials
	}
	return nil
}

// SignRequest attaches an HTTP Signature covering (request-target) and the
// Date header, setting Date if absent. Intended for clients and tests.
func SignRequest(r *http.Request, keyID, key string) {
	if r.Header.Get("Date") == "" {
		r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	headers := []string{"(request-target)", "date"}
	msg, _ := signingString(r, headers)

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(msg))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	r.Header.Set("Authorization", fmt.Sprintf(
		`Signature keyId=%q,algorithm="hmac-sha256",headers=%q,signature=%q`,
		keyID, strings.Join(headers, " "), signature))
}
