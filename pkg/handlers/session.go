package handlers

import (
	"context"
	"crypto/sha256"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
)

// ResumeSessionName is the name of the cookie that remembers a pending decision.
const ResumeSessionName = "nl2sql-resume"

const (
	sessionKeyToken = "token"
	sessionKeyRef   = "ref"
)

// ResumeTokenStore keeps resume tokens server-side so the cookie only carries
// a short reference. Tokens grow with the number of pending candidates and
// quickly outgrow a cookie.
type ResumeTokenStore interface {
	Put(ctx context.Context, token string) (string, error)
	Get(ctx context.Context, ref string) (string, bool, error)
}

// ResumeSessions keeps the latest disambiguation token per caller so HTTP
// clients can resume without echoing it back.
type ResumeSessions struct {
	store  *sessions.CookieStore
	tokens ResumeTokenStore
}

// NewResumeSessions creates the cookie-based session store.
//
// The secret parameter is used to sign session cookies. It can be any
// passphrase - it will be SHA-256 hashed to derive a 32-byte key.
// The secret must be consistent across server restarts and multiple
// servers in a load-balanced deployment. The cookie lives as long as the
// resume token it carries.
//
// tokens may be nil, in which case the token itself goes into the cookie and
// tokens too large for a cookie are not remembered.
func NewResumeSessions(secret string, ttl time.Duration, secure bool, tokens ResumeTokenStore) *ResumeSessions {
	key := sha256.Sum256([]byte(secret))

	store := sessions.NewCookieStore(key[:])
	store.Options = &sessions.Options{
		Path:     "/api/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
	return &ResumeSessions{store: store, tokens: tokens}
}

// Token returns the pending token stored for this caller, or "".
func (s *ResumeSessions) Token(r *http.Request) string {
	session, err := s.store.Get(r, ResumeSessionName)
	if err != nil {
		// Invalid cookie (rotated key); treat as no pending decision
		return ""
	}
	if s.tokens != nil {
		ref, _ := session.Values[sessionKeyRef].(string)
		if ref == "" {
			return ""
		}
		token, ok, err := s.tokens.Get(r.Context(), ref)
		if err != nil || !ok {
			return ""
		}
		return token
	}
	token, _ := session.Values[sessionKeyToken].(string)
	return token
}

// Save remembers token for this caller. When the token cannot be remembered
// the previous one is forgotten, so a later resume never continues an older
// question.
func (s *ResumeSessions) Save(w http.ResponseWriter, r *http.Request, token string) error {
	session, _ := s.store.Get(r, ResumeSessionName)
	delete(session.Values, sessionKeyToken)
	delete(session.Values, sessionKeyRef)

	if s.tokens != nil {
		ref, err := s.tokens.Put(r.Context(), token)
		if err != nil {
			_ = session.Save(r, w)
			return err
		}
		session.Values[sessionKeyRef] = ref
	} else {
		session.Values[sessionKeyToken] = token
	}

	if err := session.Save(r, w); err != nil {
		delete(session.Values, sessionKeyToken)
		delete(session.Values, sessionKeyRef)
		_ = session.Save(r, w)
		return err
	}
	return nil
}

// Clear forgets the pending token, if any.
func (s *ResumeSessions) Clear(w http.ResponseWriter, r *http.Request) error {
	session, _ := s.store.Get(r, ResumeSessionName)
	_, hasToken := session.Values[sessionKeyToken]
	_, hasRef := session.Values[sessionKeyRef]
	if !hasToken && !hasRef {
		return nil
	}
	delete(session.Values, sessionKeyToken)
	delete(session.Values, sessionKeyRef)
	return session.Save(r, w)
}
