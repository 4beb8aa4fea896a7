package busauth

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCookieStringRoundTrip(t *testing.T) {
	c := cookie{id: 42, created: time.Unix(1700000000, 0), value: "deadbeef"}
	parsed, err := parseCookie(c.String())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != c {
		t.Fatalf("round trip = %+v, want %+v", parsed, c)
	}
}

func TestParseCookieRejectsMalformed(t *testing.T) {
	if _, err := parseCookie("not enough fields"); err == nil {
		t.Fatal("want error for malformed cookie line")
	}
}

func TestLoadCookiesDropsStaleAndFutureEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, cookieContext)

	now := time.Now()
	fresh := cookie{id: 1, created: now, value: "fresh"}
	stale := cookie{id: 2, created: now.Add(-2 * cookieTooOld), value: "stale"}
	future := cookie{id: 3, created: now.Add(2 * cookieTooNew), value: "future"}

	content := fresh.String() + "\n" + stale.String() + "\n" + future.String() + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cookies, changed, err := loadCookies(path)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("want changed=true when stale/future entries were dropped")
	}
	if len(cookies) != 1 || cookies[0].id != fresh.id {
		t.Fatalf("cookies = %+v, want only the fresh entry", cookies)
	}
}

func TestLoadCookiesMissingFile(t *testing.T) {
	cookies, changed, err := loadCookies(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatal(err)
	}
	if !changed || cookies != nil {
		t.Fatalf("loadCookies(missing) = %v, %v, want nil, true", cookies, changed)
	}
}
