package cookies

import (
	"fmt"
	"os"
	"time"

	"github.com/elsanchez/pupiter/internal/clock"
	"github.com/elsanchez/pupiter/internal/domain"
)

// Estados de validación
const (
	StatusValid   = "valid"
	StatusExpired = "expired"
	StatusInvalid = "invalid"
)

// ValidationResult contiene el resultado de validar cookies
type ValidationResult struct {
	IsValid   bool
	Status    string
	Message   string
	Platform  string
	ExpiresAt *time.Time
}

// CookieValidator revisa los cookie files antes de arrancar una cuenta.
// Implementa el chequeo de credenciales del orquestador.
type CookieValidator struct {
	parser *CookieParser
	clock  clock.Clock
}

// NewCookieValidator crea un validador. Un clock nil usa la hora real.
func NewCookieValidator(clk clock.Clock) *CookieValidator {
	if clk == nil {
		clk = clock.Real()
	}
	return &CookieValidator{
		parser: NewCookieParser(),
		clock:  clk,
	}
}

// ValidateFile valida un cookie file revisando los timestamps de expiración
func (v *CookieValidator) ValidateFile(path string) (*ValidationResult, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("cookie file: %w", err)
	}

	cookies, err := v.parser.ParseFile(path)
	if err != nil {
		return &ValidationResult{
			Status:  StatusInvalid,
			Message: fmt.Sprintf("failed to parse cookie file: %v", err),
		}, nil
	}

	result := v.ValidateExpiration(cookies)
	result.Platform = v.parser.DetectPlatform(cookies)
	return result, nil
}

// ValidateExpiration revisa si las cookies expiraron. Las cookies de sesión
// no expiran; un archivo parcialmente expirado sigue sirviendo porque las
// cookies de auth suelen durar más que las de preferencias.
func (v *CookieValidator) ValidateExpiration(cookies []NetscapeCookie) *ValidationResult {
	if len(cookies) == 0 {
		return &ValidationResult{
			Status:  StatusInvalid,
			Message: "no cookies found",
		}
	}

	now := v.clock.Now().Unix()
	expiredCount := 0
	for _, cookie := range cookies {
		if cookie.Expiration != 0 && cookie.Expiration < now {
			expiredCount++
		}
	}

	result := &ValidationResult{}
	if earliest := v.parser.FindEarliestExpiration(cookies); !earliest.IsZero() {
		result.ExpiresAt = &earliest
	}

	switch {
	case expiredCount == len(cookies):
		result.Status = StatusExpired
		result.Message = fmt.Sprintf("all %d cookies expired", len(cookies))
	case expiredCount > 0:
		result.IsValid = true
		result.Status = StatusValid
		result.Message = fmt.Sprintf("%d of %d cookies expired", expiredCount, len(cookies))
	default:
		result.IsValid = true
		result.Status = StatusValid
		result.Message = fmt.Sprintf("all %d cookies valid", len(cookies))
	}
	return result
}

// Check retorna ErrConfiguration si el cookie file de la cuenta falta o
// expiró por completo.
func (v *CookieValidator) Check(account domain.Account) error {
	result, err := v.ValidateFile(account.CredentialsRef)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	if !result.IsValid {
		return fmt.Errorf("%w: cookies %s: %s", domain.ErrConfiguration, result.Status, result.Message)
	}
	return nil
}
