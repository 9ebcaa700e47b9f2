package runtime

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"go.uber.org/zap"

	"github.com/relaykit/relay"
)

// Request headers used by the HTTP fallback transport.
const (
	HeaderPublicKey    = "X-Relay-Public-Key"
	HeaderConnectionID = "X-Relay-Connection-Id"
)

const maxMessageBody = 1 << 20 // 1MB

// handleEstablish creates a connection backed by the store-and-forward
// outbox, keyed to the client's ECDSA public key. Subsequent message
// requests must be signed with the matching private key.
func (s *Server) handleEstablish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rawKey := r.Header.Get(HeaderPublicKey)
	if rawKey == "" {
		http.Error(w, "missing "+HeaderPublicKey, http.StatusBadRequest)
		return
	}

	if r.Host == "" {
		http.Error(w, "unable to determine hostname", http.StatusBadRequest)
		return
	}

	publicKey, err := parsePublicKey(rawKey)
	if err != nil {
		s.log.Debug("rejected establish request", zap.Error(err))
		http.Error(w, "invalid public key", http.StatusBadRequest)
		return
	}

	c := newConnection(s, newOutboxTransport(), r.Host, clientIP(r), publicKey)
	if err := s.accept(c); err != nil {
		s.log.Error("failed to accept fallback connection", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"connectionId": c.ID()})
}

// fallbackMessage is the body of a message request: the raw frame to
// dispatch plus its signature over the exact payload bytes.
type fallbackMessage struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// handleMessage verifies a signed payload against the connection's public
// key and feeds it into the same dispatch path as a websocket frame.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c, ok := s.fallbackConnection(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var msg fallbackMessage
	if err := json.Unmarshal(body, &msg); err != nil || msg.Payload == "" || msg.Signature == "" {
		http.Error(w, "invalid message body", http.StatusBadRequest)
		return
	}

	if !verifySignature(c.publicKey, []byte(msg.Payload), msg.Signature) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	if err := c.HandleMessage(r.Context(), []byte(msg.Payload)); err != nil {
		safe := relay.SafeError(err)
		http.Error(w, safe.Message, safe.Code)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// handlePoll drains and returns the connection's outbox.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	c, ok := s.fallbackConnection(w, r)
	if !ok {
		return
	}

	outbox, ok := c.transport.(*outboxTransport)
	if !ok {
		http.Error(w, "not an HTTP fallback connection", http.StatusBadRequest)
		return
	}

	frames := outbox.Drain()
	messages := make([]json.RawMessage, len(frames))
	for i, frame := range frames {
		messages[i] = json.RawMessage(frame)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"messages": messages})
}

func (s *Server) fallbackConnection(w http.ResponseWriter, r *http.Request) (*Connection, bool) {
	id := r.Header.Get(HeaderConnectionID)
	if id == "" {
		http.Error(w, "missing "+HeaderConnectionID, http.StatusBadRequest)
		return nil, false
	}

	c, ok := s.Connection(id)
	if !ok {
		http.Error(w, "connection not found", http.StatusNotFound)
		return nil, false
	}

	if c.publicKey == nil {
		http.Error(w, "not an HTTP fallback connection", http.StatusBadRequest)
		return nil, false
	}
	return c, true
}

// jwk is the JSON Web Key form the client supplies its ECDSA P-256 public
// key in, base64-encoded in the establish header.
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func parsePublicKey(raw string) (*ecdsa.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}

	var key jwk
	if err := json.Unmarshal(decoded, &key); err != nil {
		return nil, fmt.Errorf("parse jwk: %w", err)
	}
	if key.Kty != "EC" || key.Crv != "P-256" {
		return nil, fmt.Errorf("unsupported key type %q/%q", key.Kty, key.Crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(key.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(key.Y)
	if err != nil {
		return nil, fmt.Errorf("decode y: %w", err)
	}

	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}
	if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("point is not on curve")
	}
	return pub, nil
}

// verifySignature checks an ECDSA/SHA-256 signature over payload. Both the
// raw r||s form produced by WebCrypto and ASN.1 DER are accepted.
func verifySignature(pub *ecdsa.PublicKey, payload []byte, signature string) bool {
	if pub == nil {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(payload)

	if len(sig) == 64 {
		r := new(big.Int).SetBytes(sig[:32])
		s := new(big.Int).SetBytes(sig[32:])
		return ecdsa.Verify(pub, digest[:], r, s)
	}
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}
