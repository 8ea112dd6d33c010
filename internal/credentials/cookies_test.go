package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name string
		in   string
		out  Cookies
	}{
		{"empty", "", Cookies{}},
		{"header form", "NID_AUT=aaa; NID_SES=bbb", Cookies{NIDAut: "aaa", NIDSes: "bbb"}},
		{"line form", "NID_AUT=aaa\nNID_SES=bbb\n", Cookies{NIDAut: "aaa", NIDSes: "bbb"}},
		{"quoted and crlf", "NID_AUT=\"aaa\"\r\nNID_SES= bbb \r\n", Cookies{NIDAut: "aaa", NIDSes: "bbb"}},
		{"unknown keys ignored", "foo=bar; NID_SES=ccc", Cookies{NIDSes: "ccc"}},
		{"value with equals", "NID_SES=a=b", Cookies{NIDSes: "a=b"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Parse(c.in); got != c.out {
				t.Fatalf("Parse(%q) = %+v; want %+v", c.in, got, c.out)
			}
		})
	}
}

func TestCookiesRedacted(t *testing.T) {
	c := Cookies{NIDAut: "secret-aut", NIDSes: ""}
	got := c.Redacted()
	if strings.Contains(got, "secret-aut") {
		t.Fatalf("redacted output leaked value: %q", got)
	}
	if got != "NID_AUT=[REDACTED] NID_SES=<unset>" {
		t.Fatalf("Redacted() = %q", got)
	}
	if !c.Empty() {
		t.Fatalf("cookies missing NID_SES should be empty")
	}
	if c.HTTPCookies() != nil {
		t.Fatalf("empty cookies should not render")
	}
}

func TestFileLoader_Load(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cookies")

	if err := os.WriteFile(path, []byte("NID_AUT=a1; NID_SES=s1"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	loader := NewFileLoader(path)

	got, changed, err := loader.Load()
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if !changed {
		t.Fatalf("first load should report changed")
	}
	if got.NIDAut != "a1" || got.NIDSes != "s1" {
		t.Fatalf("first cookies = %+v", got)
	}

	_, changed, err = loader.Load()
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if changed {
		t.Fatalf("second load should not report changed")
	}

	if err := os.WriteFile(path, []byte("NID_AUT=a2\nNID_SES=s2\n"), 0o600); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	got, changed, err = loader.Load()
	if err != nil {
		t.Fatalf("third load: %v", err)
	}
	if !changed || got.NIDAut != "a2" {
		t.Fatalf("third load = %+v changed=%v", got, changed)
	}
}

func TestFileLoader_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies")
	if err := os.WriteFile(path, []byte("\n\n"), 0o600); err != nil {
		t.Fatalf("write empty: %v", err)
	}

	got, changed, err := NewFileLoader(path).Load()
	if !errors.Is(err, ErrEmptyCookies) {
		t.Fatalf("expected ErrEmptyCookies, got %v", err)
	}
	if got != (Cookies{}) || changed {
		t.Fatalf("expected empty cookies, changed=false; got %+v, %v", got, changed)
	}
}

func TestFileLoader_SetCachedSuppressesChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies")
	if err := os.WriteFile(path, []byte("NID_AUT=a; NID_SES=s"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	loader := NewFileLoader(path)
	loader.SetCached(Cookies{NIDAut: "a", NIDSes: "s"})
	if _, changed, err := loader.Load(); err != nil || changed {
		t.Fatalf("expected unchanged load, got changed=%v err=%v", changed, err)
	}
}

func TestStore(t *testing.T) {
	var nilStore *Store
	if nilStore.Current() != (Cookies{}) {
		t.Fatalf("nil store should be anonymous")
	}
	s := NewStore(Cookies{NIDAut: "a", NIDSes: "s"})
	s.Set(Cookies{NIDAut: "b", NIDSes: "t"})
	if got := s.Current(); got.NIDAut != "b" {
		t.Fatalf("Current() = %+v", got)
	}
}
