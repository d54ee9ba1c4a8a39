package security

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/roast-network/roastd/internal/domain"
)

// CanonicalEnvelopeBytes serializes an envelope into its signing form:
// UTF-8 JSON with object keys sorted lexicographically at every level.
// Only {ts, origin, topic, payload, sessionId?, kid?} participate — never
// the signature itself.
//
// encoding/json marshals map keys in sorted order at every level, so
// round-tripping through generic maps yields exactly the canonical form.
func CanonicalEnvelopeBytes(e domain.Envelope) ([]byte, error) {
	doc := map[string]any{
		"ts":     e.TS,
		"origin": map[string]any{"orgId": e.Origin.OrgID, "siteId": e.Origin.SiteID, "machineId": e.Origin.MachineID},
		"topic":  e.Topic,
	}
	if len(e.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return nil, fmt.Errorf("canonicalize payload: %w", err)
		}
		doc["payload"] = payload
	}
	if e.SessionID != "" {
		doc["sessionId"] = e.SessionID
	}
	if e.Kid != "" {
		doc["kid"] = e.Kid
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("canonicalize envelope: %w", err)
	}
	// Encoder appends a newline; the signing form has none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SignEnvelope computes the canonical form and attaches a base64 Ed25519
// signature plus the key id.
func (kp *Keypair) SignEnvelope(e *domain.Envelope) error {
	e.Kid = kp.Kid
	canon, err := CanonicalEnvelopeBytes(*e)
	if err != nil {
		return err
	}
	e.Sig = base64.StdEncoding.EncodeToString(kp.Sign(canon))
	return nil
}

// VerifyEnvelope recomputes the canonical bytes and checks the signature
// against the given public key. Envelopes without a signature fail.
func VerifyEnvelope(e domain.Envelope, publicKey []byte) error {
	if e.Sig == "" {
		return fmt.Errorf("%w: envelope is unsigned", domain.ErrBadPayload)
	}
	sig, err := base64.StdEncoding.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64: %v", domain.ErrBadPayload, err)
	}
	canon, err := CanonicalEnvelopeBytes(e)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBadPayload, err)
	}
	if !Verify(canon, sig, publicKey) {
		return fmt.Errorf("%w: envelope signature does not verify", domain.ErrBadPayload)
	}
	return nil
}
