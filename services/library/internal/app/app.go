package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"bibliotec/internal/metrics"
	"bibliotec/internal/util"
	"bibliotec/pkg/auth"
	"bibliotec/pkg/domain"
	"bibliotec/pkg/mail"
	"bibliotec/pkg/store"
)

const defaultMailSubject = "Confirmacion de Correo"

// Notifier delivers templated email. A nil result means the message was not
// delivered; the notifier has already logged why.
type Notifier interface {
	Send(ctx context.Context, msg mail.Message) *mail.DeliveryInfo
}

// Config holds runtime dependencies for the core application.
type Config struct {
	AppURL      string
	MailSubject string
	BcryptCost  int
	Store       store.Store
	Sessions    store.SessionStore
	Notifier    Notifier
	Metrics     *metrics.Metrics
}

// App wires storage, credentials, sessions and notifications together.
type App struct {
	store       store.Store
	sessions    store.SessionStore
	notifier    Notifier
	hasher      *auth.Hasher
	missingHash string
	metrics     *metrics.Metrics
	appURL      string
	mailSubject string
	now         func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if strings.TrimSpace(cfg.AppURL) == "" {
		return nil, errors.New("app URL is required")
	}
	if cfg.MailSubject == "" {
		cfg.MailSubject = defaultMailSubject
	}
	hasher := auth.NewHasher(cfg.BcryptCost)
	// Compared against when the email is unknown, so both paths pay for bcrypt.
	missingHash, err := hasher.Hash("bibliotec-unknown-account")
	if err != nil {
		return nil, fmt.Errorf("init hasher: %w", err)
	}
	return &App{
		store:       cfg.Store,
		sessions:    cfg.Sessions,
		notifier:    cfg.Notifier,
		hasher:      hasher,
		missingHash: missingHash,
		metrics:     cfg.Metrics,
		appURL:      strings.TrimRight(cfg.AppURL, "/"),
		mailSubject: cfg.MailSubject,
		now:         time.Now,
	}, nil
}

// RegisterInput carries the fields of a registration request.
type RegisterInput struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Grade     string `json:"grade"`
	Section   string `json:"section"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Code      string `json:"code"`
}

func (in RegisterInput) normalized() RegisterInput {
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Grade = strings.TrimSpace(in.Grade)
	in.Section = strings.TrimSpace(in.Section)
	in.Email = domain.NormalizeEmail(in.Email)
	in.Code = strings.TrimSpace(in.Code)
	return in
}

func (in RegisterInput) validate() error {
	verr := &domain.ValidationError{}
	for _, f := range []struct{ name, value string }{
		{"firstName", in.FirstName},
		{"lastName", in.LastName},
		{"grade", in.Grade},
		{"section", in.Section},
	} {
		if f.value == "" {
			verr.Add(f.name, "is required")
		}
	}
	switch {
	case in.Email == "":
		verr.Add("email", "is required")
	case !domain.ValidEmail(in.Email):
		verr.Add("email", fmt.Sprintf("%q is not a valid email", in.Email))
	}
	if in.Password == "" {
		verr.Add("password", "is required")
	} else if err := auth.ValidatePassword(in.Password); err != nil {
		verr.Add("password", err.Error())
	}
	switch {
	case in.Code == "":
		verr.Add("code", "is required")
	case utf8.RuneCountInString(in.Code) < domain.MinStudentCodeLength:
		verr.Add("code", fmt.Sprintf("must be at least %d characters", domain.MinStudentCodeLength))
	}
	return verr.Err()
}

// Register creates an account and sends its confirmation email.
//
// The record, its password digest and its confirmation token are written in
// one CreateUser call. The email is attempted only after that write succeeds
// and its outcome never changes the result.
func (a *App) Register(ctx context.Context, in RegisterInput) (domain.UserView, error) {
	logger := util.LoggerFromContext(ctx)
	in = in.normalized()
	if err := in.validate(); err != nil {
		a.metrics.ObserveRegistration(metrics.OutcomeRejected)
		return domain.UserView{}, err
	}

	digest, err := a.hasher.Hash(in.Password)
	if errors.Is(err, auth.ErrInvalidInput) {
		a.metrics.ObserveRegistration(metrics.OutcomeRejected)
		return domain.UserView{}, invalidField("password", err)
	}
	if err != nil {
		a.metrics.ObserveRegistration(metrics.OutcomeError)
		return domain.UserView{}, err
	}
	in.Password = ""

	now := a.now().UTC()
	user := domain.User{
		ID:                uuid.NewString(),
		FirstName:         in.FirstName,
		LastName:          in.LastName,
		Grade:             in.Grade,
		Section:           in.Section,
		Email:             in.Email,
		PasswordHash:      digest,
		StudentCode:       in.Code,
		Role:              domain.RoleUser,
		ConfirmationToken: auth.NewConfirmationToken(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateKey):
			a.metrics.ObserveRegistration(metrics.OutcomeDuplicate)
			return domain.UserView{}, ErrEmailAlreadyExists
		case errors.Is(err, domain.ErrInvalidInput):
			a.metrics.ObserveRegistration(metrics.OutcomeRejected)
			return domain.UserView{}, err
		default:
			a.metrics.ObserveRegistration(metrics.OutcomeError)
			return domain.UserView{}, fmt.Errorf("create user: %w", err)
		}
	}
	a.metrics.ObserveRegistration(metrics.OutcomeCreated)
	logger.Info("user_registered", "user_id", user.ID, "email", util.MaskEmail(user.Email))

	// The account exists now; a disconnecting client must not cut the email short.
	a.sendConfirmation(context.WithoutCancel(ctx), user)
	return user.View(), nil
}

// ConfirmEmail marks the account holding token as confirmed and retires the token.
func (a *App) ConfirmEmail(ctx context.Context, token string) (domain.UserView, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.UserView{}, ErrInvalidConfirmationToken
	}
	user, ok, err := a.store.GetUserByConfirmationToken(ctx, token)
	if err != nil {
		return domain.UserView{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.UserView{}, ErrInvalidConfirmationToken
	}
	now := a.now().UTC()
	user.EmailConfirmationAt = &now
	user.ConfirmationToken = ""
	user.UpdatedAt = now
	if err := a.store.SaveUser(ctx, user); err != nil {
		return domain.UserView{}, fmt.Errorf("save user: %w", err)
	}
	a.metrics.ObserveConfirmation()
	util.LoggerFromContext(ctx).Info("email_confirmed", "user_id", user.ID)
	return user.View(), nil
}

// ResendConfirmation replaces the pending token of an unconfirmed account and
// emails it again. Unknown and already confirmed addresses are ignored so the
// response never reveals which emails are registered.
func (a *App) ResendConfirmation(ctx context.Context, email string) error {
	email = domain.NormalizeEmail(email)
	if !domain.ValidEmail(email) {
		verr := &domain.ValidationError{}
		verr.Add("email", fmt.Sprintf("%q is not a valid email", email))
		return verr
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	if !ok || user.Confirmed() {
		return nil
	}
	user.ConfirmationToken = auth.NewConfirmationToken()
	user.UpdatedAt = a.now().UTC()
	if err := a.store.SaveUser(ctx, user); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	a.sendConfirmation(context.WithoutCancel(ctx), user)
	return nil
}

func (a *App) sendConfirmation(ctx context.Context, user domain.User) {
	if a.notifier == nil {
		util.LoggerFromContext(ctx).Warn("confirmation_not_sent", "user_id", user.ID, "reason", "no notifier configured")
		a.metrics.ObserveNotification(mail.TemplateConfirmation, false)
		return
	}
	data := mail.TemplateData{
		RecipientName:     user.FirstName,
		RecipientLastName: user.LastName,
		RecipientEmail:    user.Email,
		Token:             user.ConfirmationToken,
		HostURL:           a.appURL,
	}
	info := a.notifier.Send(ctx, mail.Message{
		To:         user.Email,
		Subject:    a.mailSubject,
		TemplateID: mail.TemplateConfirmation,
		Data:       data,
		FallbackText: fmt.Sprintf(
			"Estimado %s %s, para validar tu cuenta debes hacer clic en el siguiente enlace: %s",
			user.FirstName, user.LastName, data.ConfirmURL(),
		),
	})
	a.metrics.ObserveNotification(mail.TemplateConfirmation, info != nil)
}

// Login checks credentials and issues a session token. Unconfirmed accounts
// are refused.
func (a *App) Login(ctx context.Context, email, password string) (domain.UserView, string, error) {
	email = domain.NormalizeEmail(email)
	if email == "" || password == "" {
		return domain.UserView{}, "", ErrInvalidCredentials
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.UserView{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		a.hasher.Verify(password, a.missingHash)
		return domain.UserView{}, "", ErrInvalidCredentials
	}
	if !a.hasher.Verify(password, user.PasswordHash) {
		return domain.UserView{}, "", ErrInvalidCredentials
	}
	if !user.Confirmed() {
		return domain.UserView{}, "", ErrEmailNotConfirmed
	}
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return domain.UserView{}, "", fmt.Errorf("create session: %w", err)
	}
	return user.View(), token, nil
}

// Logout revokes a session token.
func (a *App) Logout(token string) error {
	return a.sessions.DeleteSession(token)
}

// LogoutEverywhere revokes every session the user holds.
func (a *App) LogoutEverywhere(user domain.User) error {
	revoker, ok := a.sessions.(store.UserSessionRevoker)
	if !ok {
		return errors.New("session store cannot revoke user sessions")
	}
	return revoker.RevokeUserSessions(user.ID, a.now().UTC())
}

// UserFromToken resolves a session token to its user.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, bool) {
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false
	}
	user, found, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		util.LoggerFromContext(ctx).Error("session_user_lookup_failed", "user_id", userID, "err", err)
		return domain.User{}, false
	}
	return user, found
}

// ListUsers returns every account; admin only.
func (a *App) ListUsers(ctx context.Context, actor domain.User) ([]domain.UserView, error) {
	if actor.Role != domain.RoleAdmin {
		return nil, ErrForbidden
	}
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	views := make([]domain.UserView, 0, len(users))
	for _, u := range users {
		views = append(views, u.View())
	}
	return views, nil
}

// PromoteAdmins grants the admin role to the listed existing accounts.
// Unknown emails are skipped.
func (a *App) PromoteAdmins(ctx context.Context, emails []string) error {
	for _, email := range emails {
		email = domain.NormalizeEmail(email)
		if email == "" {
			continue
		}
		user, ok, err := a.store.GetUserByEmail(ctx, email)
		if err != nil {
			return fmt.Errorf("fetch user: %w", err)
		}
		if !ok || user.Role == domain.RoleAdmin {
			continue
		}
		user.Role = domain.RoleAdmin
		user.UpdatedAt = a.now().UTC()
		if err := a.store.SaveUser(ctx, user); err != nil {
			return fmt.Errorf("promote %s: %w", util.MaskEmail(email), err)
		}
		util.LoggerFromContext(ctx).Info("user_promoted", "user_id", user.ID)
	}
	return nil
}

func invalidField(field string, err error) error {
	verr := &domain.ValidationError{}
	verr.Add(field, err.Error())
	return verr
}
