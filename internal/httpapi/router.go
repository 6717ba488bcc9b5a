package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/purerosefallen/simpleuser"
	"github.com/purerosefallen/simpleuser/middleware"
)

var errBadRequest = errors.New("bad request")

// Options configures NewRouter.
type Options struct {
	// TrustProxy reads the client address from X-Forwarded-For.
	TrustProxy bool
	// Metrics, when set, is served on GET /metrics.
	Metrics http.Handler
	Logger  *slog.Logger
}

type api struct {
	engine     *simpleuser.Engine
	trustProxy bool
	log        *slog.Logger
}

// NewRouter mounts every endpoint on a fresh router.
func NewRouter(engine *simpleuser.Engine, opts Options) *mux.Router {
	a := &api{engine: engine, trustProxy: opts.TrustProxy, log: opts.Logger}
	if a.log == nil {
		a.log = slog.Default()
	}

	r := mux.NewRouter()
	mwOpts := middleware.Options{TrustProxy: opts.TrustProxy, OnError: a.writeError}

	public := r.NewRoute().Subrouter()
	public.Use(middleware.Client(mwOpts))
	public.HandleFunc("/send-code/send", a.sendCode).Methods(http.MethodPost)
	public.HandleFunc("/send-code/verify", a.verifyCode).Methods(http.MethodGet)
	public.HandleFunc("/login/user-exists", a.userExists).Methods(http.MethodGet)
	public.HandleFunc("/login", a.login).Methods(http.MethodPost)
	public.HandleFunc("/login/reset-password", a.resetPassword).Methods(http.MethodPost)
	public.HandleFunc("/login/unregister-with-code", a.unregisterWithCode).Methods(http.MethodPost)

	// logout only needs the token, which may already be invalid
	public.HandleFunc("/user-center/logout", a.logout).Methods(http.MethodPost)

	user := r.PathPrefix("/user-center").Subrouter()
	user.Use(middleware.Identity(engine, mwOpts))
	user.HandleFunc("/me", a.me).Methods(http.MethodGet)
	user.HandleFunc("/change-password", a.changePassword).Methods(http.MethodPost)
	user.HandleFunc("/change-email", a.changeEmail).Methods(http.MethodPost)
	user.HandleFunc("/unregister", a.unregister).Methods(http.MethodPost)

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	return r
}

func decode(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: invalid json body", errBadRequest)
	}
	return nil
}

/*
====================================
SEND CODE
====================================
*/

type sendCodeRequest struct {
	Email       string `json:"email"`
	CodePurpose string `json:"codePurpose"`
}

func (a *api) sendCode(w http.ResponseWriter, r *http.Request) {
	var req sendCodeRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	purpose, err := simpleuser.ParseCodePurpose(req.CodePurpose)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	risk := middleware.RiskFromRequest(r, a.trustProxy)
	if err := a.engine.SendCode(r.Context(), req.Email, purpose, risk); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

func (a *api) verifyCode(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	purpose, err := simpleuser.ParseCodePurpose(q.Get("codePurpose"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.engine.VerifyCode(r.Context(), q.Get("email"), purpose, q.Get("code")); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

/*
====================================
LOGIN
====================================
*/

type loginRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	Password    string `json:"password"`
	SetPassword string `json:"setPassword"`
}

type loginResponse struct {
	Token          string    `json:"token"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`
	UserID         int64     `json:"userId"`
}

type emailAndCode struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type resetPasswordRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}

func (a *api) userExists(w http.ResponseWriter, r *http.Request) {
	exists, err := a.engine.UserExists(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOK(w, map[string]bool{"exists": exists})
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.engine.Login(r.Context(), simpleuser.LoginRequest{
		Email:       req.Email,
		Code:        req.Code,
		Password:    req.Password,
		SetPassword: req.SetPassword,
	}, middleware.RiskFromRequest(r, a.trustProxy))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOK(w, loginResponse{Token: res.Token, TokenExpiresAt: res.TokenExpiresAt, UserID: res.UserID})
}

func (a *api) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.engine.ResetPassword(r.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

func (a *api) unregisterWithCode(w http.ResponseWriter, r *http.Request) {
	var req emailAndCode
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.engine.UnregisterWithEmail(r.Context(), req.Email, req.Code); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

/*
====================================
USER CENTER
====================================
*/

type userView struct {
	ID             int64      `json:"id"`
	Email          *string    `json:"email"`
	HasPassword    bool       `json:"hasPassword"`
	RegisterTime   *time.Time `json:"registerTime,omitempty"`
	LoginTime      *time.Time `json:"loginTime,omitempty"`
	LastActiveTime *time.Time `json:"lastActiveTime,omitempty"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func currentUser(r *http.Request) *simpleuser.User {
	u, _ := middleware.UserFromContext(r.Context())
	return u
}

func (a *api) me(w http.ResponseWriter, r *http.Request) {
	u, err := a.engine.FindUser(r.Context(), currentUser(r).ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOK(w, userView{
		ID:             u.ID,
		Email:          u.Email,
		HasPassword:    u.PasswordSet(),
		RegisterTime:   u.RegisterTime,
		LoginTime:      u.LoginTime,
		LastActiveTime: u.LastActiveTime,
	})
}

func (a *api) changePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	err := a.engine.ChangePassword(r.Context(), currentUser(r), req.CurrentPassword, req.NewPassword,
		middleware.RiskFromRequest(r, a.trustProxy))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

func (a *api) changeEmail(w http.ResponseWriter, r *http.Request) {
	var req emailAndCode
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.engine.ChangeEmail(r.Context(), currentUser(r), req.Email, req.Code); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

func (a *api) unregister(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Unregister(r.Context(), currentUser(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	uc, _ := simpleuser.ClientFromContext(r.Context())
	if uc.Token == "" {
		a.writeError(w, r, simpleuser.ErrUnauthenticated)
		return
	}
	if err := a.engine.Logout(r.Context(), uc.Token); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}
