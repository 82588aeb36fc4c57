package auth

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const birthdateLayout = "2006-01-02"

var usernameRegex = regexp.MustCompile(`^[a-z0-9_.-]{3,50}$`)

var validate = newValidator()

type RegisterInput struct {
	Email     string `json:"email" validate:"required,min=5,max=100,email"`
	Username  string `json:"username" validate:"required,username"`
	Password  string `json:"password" validate:"required,min=8,max=100"`
	Birthdate string `json:"birthdate"`
}

type LoginInput struct {
	Email    string `json:"email" validate:"required,min=5,max=100,email"`
	Password string `json:"password" validate:"required,min=8,max=100"`
}

type ChangePasswordInput struct {
	Email       string `json:"email" validate:"required,min=5,max=100,email"`
	OldPassword string `json:"old_password" validate:"required,min=8,max=100"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=100"`
}

type RevokeSessionInput struct {
	IP        string `json:"ip" validate:"required,max=64"`
	UserAgent string `json:"user_agent" validate:"max=512"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernameRegex.MatchString(fl.Field().String())
	})
	return v
}

func validateStruct(input any) error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if errors.As(err, &fieldErrors) && len(fieldErrors) > 0 {
		fe := fieldErrors[0]
		return invalidRequest("%s is invalid (%s)", fe.Field(), fe.Tag())
	}
	return invalidRequest("invalid request")
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (in *RegisterInput) normalize() {
	in.Email = normalizeEmail(in.Email)
	in.Username = strings.ToLower(strings.TrimSpace(in.Username))
	in.Birthdate = strings.TrimSpace(in.Birthdate)
}

// validate checks the request shape and returns the parsed birthdate.
func (in *RegisterInput) validate(now time.Time) (time.Time, error) {
	in.normalize()
	if err := validateStruct(in); err != nil {
		return time.Time{}, err
	}
	if in.Birthdate == "" {
		return time.Time{}, ErrBirthdateRequired
	}
	birthdate, err := time.Parse(birthdateLayout, in.Birthdate)
	if err != nil {
		return time.Time{}, invalidRequest("birthdate must use the YYYY-MM-DD format")
	}
	if !birthdate.Before(now) {
		return time.Time{}, invalidRequest("birthdate must be in the past")
	}
	return birthdate, nil
}

func (in *LoginInput) validate() error {
	in.Email = normalizeEmail(in.Email)
	return validateStruct(in)
}

func (in *ChangePasswordInput) validate() error {
	in.Email = normalizeEmail(in.Email)
	if err := validateStruct(in); err != nil {
		return err
	}
	if in.OldPassword == in.NewPassword {
		return ErrPasswordUnchanged
	}
	return nil
}

func (in *RevokeSessionInput) validate() error {
	in.IP = strings.TrimSpace(in.IP)
	return validateStruct(in)
}
