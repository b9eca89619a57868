package cookies

import (
	"context"
	"fmt"
	"strings"

	"github.com/browserutils/kooky"
	_ "github.com/browserutils/kooky/browser/chrome"
	_ "github.com/browserutils/kooky/browser/chromium"
	_ "github.com/browserutils/kooky/browser/edge"
	_ "github.com/browserutils/kooky/browser/firefox"
	_ "github.com/browserutils/kooky/browser/opera"
)

// BrowserExtractor extrae cookies de los navegadores
type BrowserExtractor struct {
	parser *CookieParser
}

// NewBrowserExtractor crea un nuevo extractor de cookies
func NewBrowserExtractor() *BrowserExtractor {
	return &BrowserExtractor{
		parser: NewCookieParser(),
	}
}

// SupportedBrowsers retorna los nombres de navegadores soportados
func (e *BrowserExtractor) SupportedBrowsers() []string {
	return []string{
		"chrome",
		"chromium",
		"firefox",
		"edge",
		"opera",
	}
}

// ExtractOptions contiene las opciones de extracción
type ExtractOptions struct {
	Browser    string // Nombre del navegador (chrome, firefox...)
	Domain     string // Dominio para filtrar cookies (ej. "instagram.com")
	OutputPath string // Ruta donde guardar las cookies en formato Netscape
}

// Extract lee las cookies del navegador para un dominio y opcionalmente las
// guarda en formato Netscape, listas para usarse como credenciales de una cuenta.
func (e *BrowserExtractor) Extract(ctx context.Context, opts ExtractOptions) ([]NetscapeCookie, error) {
	if opts.Domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	browser := strings.ToLower(opts.Browser)

	// Cookies del dominio y sus subdominios
	cookies, err := kooky.ReadCookies(ctx, kooky.Valid, kooky.DomainHasSuffix(opts.Domain))
	if err != nil && len(cookies) == 0 {
		return nil, fmt.Errorf("read cookies from browser: %w", err)
	}

	netscapeCookies := make([]NetscapeCookie, 0, len(cookies))
	for _, cookie := range cookies {
		// Saltar cookies de otros navegadores si se especificó uno
		if browser != "" && cookie.Browser != nil {
			if !strings.Contains(strings.ToLower(cookie.Browser.Browser()), browser) {
				continue
			}
		}
		netscapeCookies = append(netscapeCookies, fromKooky(cookie))
	}

	if len(netscapeCookies) == 0 {
		return nil, fmt.Errorf("no cookies found for browser '%s' and domain '%s'", browser, opts.Domain)
	}

	if opts.OutputPath != "" {
		if err := e.parser.WriteFile(opts.OutputPath, netscapeCookies); err != nil {
			return nil, fmt.Errorf("save cookies: %w", err)
		}
	}

	return netscapeCookies, nil
}

func fromKooky(cookie *kooky.Cookie) NetscapeCookie {
	domain := cookie.Domain
	if !strings.HasPrefix(domain, ".") && domain != "" {
		domain = "." + domain
	}

	// Segundo campo del formato: el dominio incluye subdominios
	flag := "FALSE"
	if strings.HasPrefix(domain, ".") {
		flag = "TRUE"
	}

	var expiration int64
	if !cookie.Expires.IsZero() {
		expiration = cookie.Expires.Unix()
	}
	if expiration < 0 {
		expiration = 0
	}

	path := cookie.Path
	if path == "" {
		path = "/"
	}

	return NetscapeCookie{
		Domain:     domain,
		Flag:       flag,
		Path:       path,
		Secure:     cookie.Secure,
		Expiration: expiration,
		Name:       cookie.Name,
		Value:      cookie.Value,
	}
}
