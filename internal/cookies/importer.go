package cookies

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ImportOptions contiene las opciones para importar credenciales
type ImportOptions struct {
	Account  string // Nombre de la cuenta, se usa como nombre de archivo
	FilePath string // Cookie file Netscape existente
	Browser  string // O extraer de este navegador...
	Domain   string // ...para este dominio
	Force    bool   // Pisar un archivo de credenciales existente
}

// CookieImporter guarda las credenciales como cookie files en un directorio.
// La ruta guardada es lo que la cuenta conserva como CredentialsRef.
type CookieImporter struct {
	dir       string
	parser    *CookieParser
	validator *CookieValidator
	extractor *BrowserExtractor
}

// NewCookieImporter crea un importer que escribe en dir
func NewCookieImporter(dir string, validator *CookieValidator) *CookieImporter {
	if validator == nil {
		validator = NewCookieValidator(nil)
	}
	return &CookieImporter{
		dir:       dir,
		parser:    NewCookieParser(),
		validator: validator,
		extractor: NewBrowserExtractor(),
	}
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Path retorna dónde se guardan las credenciales de una cuenta
func (i *CookieImporter) Path(account string) string {
	name := unsafeName.ReplaceAllString(strings.TrimSpace(account), "_")
	return filepath.Join(i.dir, name+".txt")
}

// Import valida el origen y escribe el archivo de credenciales. Retorna la
// ruta guardada y el resultado de la validación.
func (i *CookieImporter) Import(ctx context.Context, opts ImportOptions) (string, *ValidationResult, error) {
	if strings.TrimSpace(opts.Account) == "" {
		return "", nil, fmt.Errorf("account name is required")
	}
	if (opts.FilePath == "") == (opts.Browser == "") {
		return "", nil, fmt.Errorf("use either a cookie file or a browser")
	}

	if err := os.MkdirAll(i.dir, 0700); err != nil {
		return "", nil, fmt.Errorf("create credentials dir: %w", err)
	}

	dest := i.Path(opts.Account)
	if _, err := os.Stat(dest); err == nil && !opts.Force {
		return "", nil, fmt.Errorf("credentials already exist: %s (use --force to overwrite)", dest)
	}

	var cookies []NetscapeCookie
	var err error
	if opts.FilePath != "" {
		cookies, err = i.parser.ParseFile(opts.FilePath)
		if err != nil {
			return "", nil, fmt.Errorf("parse cookie file: %w", err)
		}
	} else {
		cookies, err = i.extractor.Extract(ctx, ExtractOptions{Browser: opts.Browser, Domain: opts.Domain})
		if err != nil {
			return "", nil, err
		}
	}

	result := i.validator.ValidateExpiration(cookies)
	result.Platform = i.parser.DetectPlatform(cookies)
	if !result.IsValid {
		return "", result, fmt.Errorf("cookies %s: %s", result.Status, result.Message)
	}

	if err := i.parser.WriteFile(dest, cookies); err != nil {
		return "", nil, fmt.Errorf("write credentials: %w", err)
	}
	return dest, result, nil
}
