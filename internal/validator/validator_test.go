package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signupForm struct {
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required,min=8,strongpassword"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=Password"`
	Phone           string `json:"phone,omitempty" validate:"omitempty,e164"`
	AgreeToTerms    bool   `json:"agreeToTerms" validate:"required"`
	Internal        string `json:"-" validate:"omitempty,max=3"`
}

func validForm() signupForm {
	return signupForm{
		Email:           "ana@example.com",
		Password:        "Secret123",
		ConfirmPassword: "Secret123",
		AgreeToTerms:    true,
	}
}

func TestValidate_Success(t *testing.T) {
	assert.NoError(t, Validate(validForm()))
}

func TestValidate_ReportsJSONFieldNames(t *testing.T) {
	f := validForm()
	f.Email = "not-an-email"

	err := Validate(f)
	require.Error(t, err)

	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "must be a valid email address", valErr.Fields()["email"])
	assert.Equal(t, "email", valErr.FirstField())
}

func TestValidate_PasswordRules(t *testing.T) {
	f := validForm()
	f.Password = "alllowercase1"
	f.ConfirmPassword = "alllowercase1"

	err := Validate(f)
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "must contain uppercase, lowercase letters and numbers", valErr.Fields()["password"])

	f = validForm()
	f.ConfirmPassword = "Different1"
	err = Validate(f)
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "does not match", valErr.Fields()["confirmPassword"])
}

func TestValidate_TermsMustBeAccepted(t *testing.T) {
	f := validForm()
	f.AgreeToTerms = false

	err := Validate(f)
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "must be accepted", valErr.Fields()["agreeToTerms"])
}

func TestValidate_DashTagFallsBackToStructName(t *testing.T) {
	f := validForm()
	f.Internal = "toolong"

	err := Validate(f)
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, valErr.Fields(), "Internal")
	assert.Contains(t, valErr.Error(), "at most 3")
}
