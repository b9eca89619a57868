package cookies

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elsanchez/pupiter/internal/clock"
	"github.com/elsanchez/pupiter/internal/domain"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func cookieLine(domain, name string, exp int64) string {
	return fmt.Sprintf("%s\tTRUE\t/\tTRUE\t%d\t%s\tvalue-%s", domain, exp, name, name)
}

func writeCookies(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cookies.txt")
	content := "# Netscape HTTP Cookie File\n" + strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestCookieParser_Parse(t *testing.T) {
	input := strings.Join([]string{
		"# comment",
		"",
		".instagram.com\tTRUE\t/\tTRUE\t1900000000\tsessionid\t\"abc\"",
		"#HttpOnly_.instagram.com\tTRUE\t/\tTRUE\t0\tcsrftoken\txyz",
		"www.instagram.com FALSE / FALSE 1800000000 mid 123",
	}, "\n")

	p := NewCookieParser()
	cookies, err := p.Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, cookies, 3)

	assert.Equal(t, "sessionid", cookies[0].Name)
	assert.Equal(t, "abc", cookies[0].Value, "quotes are stripped")
	assert.True(t, cookies[0].Secure)
	assert.Equal(t, "csrftoken", cookies[1].Name, "HttpOnly prefix is not a comment")
	assert.Equal(t, "www.instagram.com", cookies[2].Domain, "space separated fallback")

	assert.Equal(t, time.Unix(1800000000, 0), p.FindEarliestExpiration(cookies), "session cookies are ignored")
	assert.Equal(t, "instagram", p.DetectPlatform(cookies))
	assert.ElementsMatch(t, []string{"instagram.com", "www.instagram.com"}, p.GetDomains(cookies))
}

func TestCookieParser_Errors(t *testing.T) {
	p := NewCookieParser()

	_, err := p.Parse(strings.NewReader("# only comments\n"))
	assert.Error(t, err)

	_, err = p.Parse(strings.NewReader("a\tb\tc\n"))
	assert.ErrorContains(t, err, "line 1")

	_, err = p.Parse(strings.NewReader(".x.com\tTRUE\t/\tTRUE\tsoon\tn\tv\n"))
	assert.ErrorContains(t, err, "expiration")
}

func TestCookieParser_WriteRoundTrip(t *testing.T) {
	p := NewCookieParser()
	in := []NetscapeCookie{{Domain: ".tiktok.com", Flag: "TRUE", Path: "/", Secure: true, Expiration: 1900000000, Name: "sid", Value: "v"}}
	path := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, p.WriteFile(path, in))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	out, err := p.ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCookieValidator_Check(t *testing.T) {
	v := NewCookieValidator(clock.Fake(now))
	future := now.Add(30 * 24 * time.Hour).Unix()
	past := now.Add(-time.Hour).Unix()

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"valid", writeCookies(t, cookieLine(".instagram.com", "sessionid", future)), false},
		{"session only", writeCookies(t, cookieLine(".instagram.com", "sessionid", 0)), false},
		{"partially expired", writeCookies(t, cookieLine(".instagram.com", "a", future), cookieLine(".instagram.com", "b", past)), false},
		{"all expired", writeCookies(t, cookieLine(".instagram.com", "a", past)), true},
		{"garbage", writeCookies(t, "not a cookie"), true},
		{"missing", filepath.Join(t.TempDir(), "nope.txt"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Check(domain.Account{ID: "a", CredentialsRef: tt.path})
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrConfiguration)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCookieImporter_ImportFile(t *testing.T) {
	v := NewCookieValidator(clock.Fake(now))
	imp := NewCookieImporter(filepath.Join(t.TempDir(), "credentials"), v)
	src := writeCookies(t, cookieLine(".instagram.com", "sessionid", now.Add(time.Hour).Unix()))

	dest, result, err := imp.Import(context.Background(), ImportOptions{Account: "my shop", FilePath: src})
	require.NoError(t, err)
	assert.Equal(t, imp.Path("my shop"), dest)
	assert.Equal(t, "my_shop.txt", filepath.Base(dest))
	assert.Equal(t, "instagram", result.Platform)
	assert.NoError(t, v.Check(domain.Account{ID: "a", CredentialsRef: dest}))

	_, _, err = imp.Import(context.Background(), ImportOptions{Account: "my shop", FilePath: src})
	assert.ErrorContains(t, err, "already exist")

	_, _, err = imp.Import(context.Background(), ImportOptions{Account: "my shop", FilePath: src, Force: true})
	assert.NoError(t, err)

	expired := writeCookies(t, cookieLine(".instagram.com", "sessionid", now.Add(-time.Hour).Unix()))
	_, _, err = imp.Import(context.Background(), ImportOptions{Account: "other", FilePath: expired})
	assert.ErrorContains(t, err, "expired")

	_, _, err = imp.Import(context.Background(), ImportOptions{Account: "x"})
	assert.Error(t, err, "needs a source")
}
