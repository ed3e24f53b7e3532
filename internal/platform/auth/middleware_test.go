package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/storefront/internal/domain"
)

type stubTokenVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubTokenVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

type stubUserGetter struct {
	record  *firebaseauth.UserRecord
	err     error
	calls   int
	lastUID string
}

func (s *stubUserGetter) GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error) {
	s.calls++
	s.lastUID = uid
	return s.record, s.err
}

func serve(t *testing.T, handler http.Handler, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/sessions", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected JSON body: %v", err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestRequireBuyer_AllowsValidToken(t *testing.T) {
	verifier := &stubTokenVerifier{
		token: &firebaseauth.Token{
			UID: "buyer-123",
			Claims: map[string]interface{}{
				"email": "asha@example.com",
				"name":  " Asha Rao ",
			},
			Firebase: firebaseauth.FirebaseInfo{SignInProvider: "password"},
		},
	}
	users := &stubUserGetter{record: &firebaseauth.UserRecord{UserInfo: &firebaseauth.UserInfo{
		UID:         "buyer-123",
		DisplayName: "Ignored Name",
		PhoneNumber: "+919800000000",
	}}}

	authn := NewAuthenticator(verifier, WithUserGetter(users))

	handlerCalled := false
	handler := authn.RequireBuyer()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true

		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("expected identity in context")
		}
		if identity.UID != "buyer-123" || identity.Anonymous {
			t.Fatalf("unexpected identity %+v", identity)
		}

		contact := identity.Contact()
		if contact.Name != "Asha Rao" || contact.Email != "asha@example.com" {
			t.Fatalf("expected token claims to win, got %+v", contact)
		}
		if contact.Phone != "+919800000000" {
			t.Fatalf("expected phone from user record, got %q", contact.Phone)
		}
		// The user record is loaded once per identity.
		identity.Contact()

		w.WriteHeader(http.StatusNoContent)
	}))

	rr := serve(t, handler, "Bearer token-value")

	if rr.Code != http.StatusNoContent || !handlerCalled {
		t.Fatalf("expected handler to run, got status %d", rr.Code)
	}
	if verifier.received != "token-value" {
		t.Fatalf("expected verifier to receive token-value, got %s", verifier.received)
	}
	if users.calls != 1 || users.lastUID != "buyer-123" {
		t.Fatalf("expected single user fetch for buyer-123, got %d for %q", users.calls, users.lastUID)
	}
}

func TestRequireBuyer_ContactSurvivesUserLookupFailure(t *testing.T) {
	verifier := &stubTokenVerifier{token: &firebaseauth.Token{UID: "buyer-9", Claims: map[string]interface{}{"email": "b@example.com"}}}
	users := &stubUserGetter{err: errors.New("admin api down")}
	authn := NewAuthenticator(verifier, WithUserGetter(users))

	handler := authn.RequireBuyer()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		contact := identity.Contact()
		if contact.Email != "b@example.com" || contact.Name != "" {
			t.Fatalf("unexpected contact %+v", contact)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	if rr := serve(t, handler, "Bearer ok"); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestRequireBuyer_RejectsBadCredentials(t *testing.T) {
	cases := []struct {
		name          string
		authorization string
		verifier      *stubTokenVerifier
		want          string
	}{
		{name: "missing header", want: "unauthenticated", verifier: &stubTokenVerifier{}},
		{name: "wrong scheme", authorization: "Basic abc", want: "unauthenticated", verifier: &stubTokenVerifier{}},
		{name: "expired", authorization: "Bearer old", want: "token_expired", verifier: &stubTokenVerifier{err: ErrTokenExpired}},
		{name: "invalid", authorization: "Bearer bad", want: "invalid_token", verifier: &stubTokenVerifier{err: ErrTokenInvalid}},
		{name: "other failure", authorization: "Bearer x", want: "invalid_token", verifier: &stubTokenVerifier{err: errors.New("boom")}},
		{name: "no subject", authorization: "Bearer x", want: "invalid_token", verifier: &stubTokenVerifier{token: &firebaseauth.Token{}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewAuthenticator(tc.verifier).RequireBuyer()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("handler should not execute")
			}))
			rr := serve(t, handler, tc.authorization)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			if got := errorCode(t, rr); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestRequireBuyer_AnonymousSignIn(t *testing.T) {
	token := &firebaseauth.Token{UID: "anon-1", Firebase: firebaseauth.FirebaseInfo{SignInProvider: "anonymous"}}

	rejecting := NewAuthenticator(&stubTokenVerifier{token: token}).RequireBuyer()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("anonymous buyer should be rejected")
	}))
	rr := serve(t, rejecting, "Bearer anon")
	if rr.Code != http.StatusUnauthorized || errorCode(t, rr) != "anonymous_not_allowed" {
		t.Fatalf("expected anonymous_not_allowed, got %d %s", rr.Code, rr.Body.String())
	}

	allowing := NewAuthenticator(&stubTokenVerifier{token: token}, WithAnonymousBuyers(true)).RequireBuyer()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok || !identity.Anonymous {
			t.Fatalf("expected anonymous identity, got %+v", identity)
		}
		if identity.profile != nil || identity.Contact() != (domain.Contact{}) {
			t.Fatalf("expected no profile lookup without a user getter, got %+v", identity.Contact())
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	if rr := serve(t, allowing, "Bearer anon"); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}
