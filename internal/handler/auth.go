package handler

import (
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/xid"

	"github.com/sakif/damaijiwa/internal/auth"
	"github.com/sakif/damaijiwa/internal/model"
	"github.com/sakif/damaijiwa/internal/service"
)

const oauthStateCookie = "oauth_state"

// CookieConfig controls the session cookie attributes.
type CookieConfig struct {
	Secure bool          // true when served over HTTPS
	MaxAge time.Duration // matches the session lifetime
}

// AuthHandler manages session establishment: anonymous entry, the Google
// OAuth popup flow, logout and "who am I".
//
// HANDLER RESPONSIBILITIES:
//   - HandleMe             → return the current user or null
//   - HandleAnonymous      → create an anonymous user and session
//   - HandleGoogleURL      → hand the client the Google consent URL
//   - HandleGoogleCallback → finish login inside the popup window
//   - HandleLogout         → end the session and clear the cookie
//
// The handler never talks to the database or Google directly; that is
// SessionService's job.
type AuthHandler struct {
	sessions *service.SessionService
	cookies  CookieConfig
	logger   *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(sessions *service.SessionService, cookies CookieConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		sessions: sessions,
		cookies:  cookies,
		logger:   logger,
	}
}

// MeResponse is the body of GET /api/me. User is null without a session.
type MeResponse struct {
	User *model.User `json:"user"`
}

// HandleMe returns the user behind the session cookie, or {"user":null}.
//
// HTTP: GET /api/me
//
// This route is public: the client calls it on load to decide between the
// landing page and category selection. It runs behind auth.OptionalUser, so
// a live session shows up as a user ID in the context.
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusOK, MeResponse{})
		return
	}

	user, err := h.sessions.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MeResponse{User: user})
}

// HandleAnonymous creates a fresh anonymous user and binds the browser to it.
//
// HTTP: POST /api/auth/anonymous
func (h *AuthHandler) HandleAnonymous(w http.ResponseWriter, r *http.Request) {
	binding, err := h.sessions.EstablishAnonymous(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.setSessionCookie(w, binding.Token)
	writeJSON(w, http.StatusOK, MeResponse{User: binding.User})
}

// GoogleURLResponse is the body of GET /api/auth/google/url.
type GoogleURLResponse struct {
	URL string `json:"url"`
}

// HandleGoogleURL returns the Google consent URL. The client opens it in a
// popup window.
//
// HTTP: GET /api/auth/google/url
//
// CSRF PROTECTION VIA STATE:
// A random state value goes into the URL and into a short-lived cookie.
// The callback only proceeds when both match, which proves the login was
// started from this site. SameSite=Lax still sends the cookie on the
// top-level navigation Google makes back to us.
func (h *AuthHandler) HandleGoogleURL(w http.ResponseWriter, r *http.Request) {
	state := xid.New().String()

	url, err := h.sessions.AuthURL(state)
	if err != nil {
		writeError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10 minutes
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, GoogleURLResponse{URL: url})
}

// callbackPage runs inside the popup. It tells the opener the login worked
// and closes itself; opened directly, it just goes home.
var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html lang="id">
  <head><meta charset="utf-8"><title>Damai Jiwa</title></head>
  <body>
    <script>
      if (window.opener) {
        window.opener.postMessage({ type: 'OAUTH_AUTH_SUCCESS' }, {{.Origin}});
        window.close();
      } else {
        window.location.href = '/';
      }
    </script>
    <p>Login berhasil. Menutup jendela...</p>
  </body>
</html>
`))

// HandleGoogleCallback completes the OAuth login flow.
//
// HTTP: GET /auth/google/callback?code=xxx&state=yyy
//
// FLOW:
//  1. Validate the state parameter (CSRF check)
//  2. Exchange the code via SessionService, which upserts the user and adopts
//     any anonymous history this browser had
//  3. Set the new session cookie
//  4. Render the page that notifies the opener window
func (h *AuthHandler) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	// --- Step 1: Validate CSRF state ---
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || r.URL.Query().Get("state") != stateCookie.Value {
		h.logger.Warn("auth callback: invalid state")
		http.Error(w, "Invalid OAuth state", http.StatusBadRequest)
		return
	}

	// Single use
	http.SetCookie(w, &http.Cookie{
		Name:   oauthStateCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("auth callback: user denied authorization", slog.String("error", errParam))
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "No code provided", http.StatusBadRequest)
		return
	}

	// --- Step 2: Exchange ---
	binding, err := h.sessions.ExchangeOAuthCode(r.Context(), code, auth.TokenFromRequest(r))
	if err != nil {
		h.logger.Error("auth callback: login failed", slog.String("error", err.Error()))
		if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
			hub.CaptureException(err)
		}
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}

	// --- Step 3: Session cookie ---
	h.setSessionCookie(w, binding.Token)

	// --- Step 4: Notify the opener ---
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct{ Origin string }{Origin: requestOrigin(r)}
	if err := callbackPage.Execute(w, data); err != nil {
		h.logger.Error("failed to render callback page", slog.String("error", err.Error()))
	}
}

// HandleLogout ends the server-side session and deletes the cookie.
//
// HTTP: POST /api/logout
//
// Sessions live in the database, so logout really revokes the token; a
// copied cookie stops working immediately. Runs behind auth.OptionalUser:
// without a live session there is nothing to revoke and only the cookie is
// cleared.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if userID, ok := auth.UserIDFromContext(r.Context()); ok {
		if err := h.sessions.Terminate(r.Context(), auth.TokenFromRequest(r)); err != nil {
			writeError(w, r, err)
			return
		}
		h.logger.Info("session ended", slog.String("userID", userID))
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1, // tells the browser to delete the cookie immediately
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// setSessionCookie stores the signed session token.
// HttpOnly keeps it away from JavaScript; SameSite=Lax keeps it off
// cross-site POSTs.
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.cookies.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// requestOrigin is the origin the opener window was served from.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
