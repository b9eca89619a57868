package cookies

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// NetscapeCookie representa una cookie en formato Netscape
type NetscapeCookie struct {
	Domain     string
	Flag       string
	Path       string
	Secure     bool
	Expiration int64 // Timestamp Unix, 0 = cookie de sesión
	Name       string
	Value      string
}

// CookieParser parsea archivos de cookies en formato Netscape
type CookieParser struct{}

// NewCookieParser crea un nuevo parser
func NewCookieParser() *CookieParser {
	return &CookieParser{}
}

// ParseFile parsea un cookie file en formato Netscape
func (p *CookieParser) ParseFile(path string) ([]NetscapeCookie, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cookie file: %w", err)
	}
	defer file.Close()

	return p.Parse(file)
}

// Parse lee cookies de r
// Formato: domain	flag	path	secure	expiration	name	value
func (p *CookieParser) Parse(r io.Reader) ([]NetscapeCookie, error) {
	var cookies []NetscapeCookie
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		// curl y yt-dlp marcan las cookies HttpOnly con este prefijo
		line = strings.TrimPrefix(line, "#HttpOnly_")

		// Saltar comentarios y líneas vacías
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}

		// Valores separados por tab
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			// Si no, probar separados por espacios
			fields = strings.Fields(line)
			if len(fields) < 7 {
				return nil, fmt.Errorf("line %d: invalid format (expected 7 fields, got %d)", lineNum, len(fields))
			}
		}

		expiration, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid expiration timestamp: %w", lineNum, err)
		}

		// Quitar comillas alrededor del valor si las hay
		value := fields[6]
		if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
			value = strings.Trim(value, "\"")
		}

		cookies = append(cookies, NetscapeCookie{
			Domain:     fields[0],
			Flag:       fields[1],
			Path:       fields[2],
			Secure:     strings.ToUpper(fields[3]) == "TRUE",
			Expiration: expiration,
			Name:       fields[5],
			Value:      value,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}

	if len(cookies) == 0 {
		return nil, fmt.Errorf("no valid cookies found in file")
	}

	return cookies, nil
}

// WriteFile guarda las cookies en formato Netscape con permisos 0600
func (p *CookieParser) WriteFile(path string, cookies []NetscapeCookie) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if _, err := w.WriteString("# Netscape HTTP Cookie File\n"); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, cookie := range cookies {
		secure := "FALSE"
		if cookie.Secure {
			secure = "TRUE"
		}

		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			cookie.Domain,
			cookie.Flag,
			cookie.Path,
			secure,
			cookie.Expiration,
			cookie.Name,
			cookie.Value,
		); err != nil {
			return fmt.Errorf("write cookie: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush cookie file: %w", err)
	}
	return nil
}

// FindEarliestExpiration retorna la expiración más temprana de las cookies persistentes
func (p *CookieParser) FindEarliestExpiration(cookies []NetscapeCookie) time.Time {
	var earliest int64
	for _, cookie := range cookies {
		if cookie.Expiration == 0 {
			continue
		}
		if earliest == 0 || cookie.Expiration < earliest {
			earliest = cookie.Expiration
		}
	}
	if earliest == 0 {
		return time.Time{}
	}
	return time.Unix(earliest, 0)
}

// DetectPlatform intenta detectar la plataforma por los dominios de las cookies
func (p *CookieParser) DetectPlatform(cookies []NetscapeCookie) string {
	platformMap := map[string]string{
		"instagram.com": "instagram",
		"facebook.com":  "facebook",
		"tiktok.com":    "tiktok",
		"twitter.com":   "x",
		"x.com":         "x",
		"youtube.com":   "youtube",
		"threads.net":   "threads",
		"pinterest.com": "pinterest",
	}

	counts := make(map[string]int)
	for _, cookie := range cookies {
		d := strings.TrimPrefix(cookie.Domain, ".")
		d = strings.TrimPrefix(d, "www.")
		if platform, ok := platformMap[d]; ok {
			counts[platform]++
		}
	}

	// La plataforma con más coincidencias
	detected, maxCount := "", 0
	for platform, count := range counts {
		if count > maxCount || (count == maxCount && platform < detected) {
			detected, maxCount = platform, count
		}
	}
	return detected
}

// GetDomains retorna los dominios únicos de las cookies
func (p *CookieParser) GetDomains(cookies []NetscapeCookie) []string {
	seen := make(map[string]bool)
	var domains []string
	for _, cookie := range cookies {
		d := strings.TrimPrefix(cookie.Domain, ".")
		if !seen[d] {
			seen[d] = true
			domains = append(domains, d)
		}
	}
	return domains
}
