package license

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/replikanto/internal/deviceid"
)

const raw = "0123456789abcdef0123456789abcdef"

type vendorCall struct {
	action, machine, product, vendor string
}

func vendor(t *testing.T, reply func(action string) (int, string)) (*httptest.Server, func() []vendorCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []vendorCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mu.Lock()
		calls = append(calls, vendorCall{q.Get("ac"), q.Get("mc"), q.Get("md"), q.Get("vd")})
		mu.Unlock()
		code, body := reply(q.Get("ac"))
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []vendorCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]vendorCall(nil), calls...)
	}
}

func mustParse(t *testing.T, s string) deviceid.ID {
	t.Helper()
	id, err := deviceid.Parse(s)
	require.NoError(t, err)
	return id
}

func TestCheckLicense_NonProductionIsDebug(t *testing.T) {
	o := New(Config{URL: "http://127.0.0.1:0"}, nil)
	assert.Equal(t, Debug, o.CheckLicense(context.Background(), mustParse(t, raw), ""))
}

func TestCheckLicense_FullIDFirst(t *testing.T) {
	srv, calls := vendor(t, func(string) (int, string) {
		return http.StatusOK, "<xml><LicenseType>Regular</LicenseType></xml>"
	})
	o := New(Config{URL: srv.URL, Vendor: "acme", Production: true}, nil)

	kind := o.CheckLicense(context.Background(), mustParse(t, raw+"-Desk"), "")
	assert.Equal(t, Regular, kind)

	got := calls()
	require.Len(t, got, 1)
	assert.Equal(t, vendorCall{"al", raw + "-Desk", DefaultProduct, "acme"}, got[0])
}

func TestCheckLicense_FallsBackToRoot(t *testing.T) {
	srv, calls := vendor(t, func(action string) (int, string) {
		if action == "af" {
			return http.StatusOK, "<r><LicenseType>Trial</LicenseType></r>"
		}
		return http.StatusOK, "<r></r>"
	})
	o := New(Config{URL: srv.URL, Production: true}, nil)

	kind := o.CheckLicense(context.Background(), mustParse(t, raw+"-Desk"), "Replikanto Pro")
	assert.Equal(t, Kind("Trial"), kind)

	got := calls()
	require.Len(t, got, 2)
	assert.Equal(t, "af", got[1].action)
	assert.Equal(t, raw, got[1].machine)
	assert.Equal(t, "Replikanto Pro", got[1].product)
}

func TestCheckLicense_DegradesToUnknown(t *testing.T) {
	t.Run("no license anywhere", func(t *testing.T) {
		srv, _ := vendor(t, func(string) (int, string) { return http.StatusOK, "nothing" })
		o := New(Config{URL: srv.URL, Production: true}, nil)
		assert.Equal(t, Unknown, o.CheckLicense(context.Background(), mustParse(t, raw), ""))
	})
	t.Run("vendor error", func(t *testing.T) {
		srv, calls := vendor(t, func(string) (int, string) { return http.StatusBadGateway, "" })
		o := New(Config{URL: srv.URL, Production: true}, nil)
		assert.Equal(t, Unknown, o.CheckLicense(context.Background(), mustParse(t, raw), ""))
		assert.Len(t, calls(), 1, "transport failures do not fall through to the root lookup")
	})
	t.Run("slow vendor", func(t *testing.T) {
		srv, _ := vendor(t, func(string) (int, string) {
			time.Sleep(100 * time.Millisecond)
			return http.StatusOK, "<LicenseType>Regular</LicenseType>"
		})
		o := New(Config{URL: srv.URL, Production: true, Timeout: 10 * time.Millisecond}, nil)
		assert.Equal(t, Unknown, o.CheckLicense(context.Background(), mustParse(t, raw), ""))
	})
}

func TestCheckLicense_BreakerOpensOnRepeatedFailures(t *testing.T) {
	srv, calls := vendor(t, func(string) (int, string) { return http.StatusInternalServerError, "" })
	o := New(Config{URL: srv.URL, Production: true}, nil)

	for i := 0; i < 8; i++ {
		assert.Equal(t, Unknown, o.CheckLicense(context.Background(), mustParse(t, raw), ""))
	}
	assert.Len(t, calls(), 5)
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, Kind("Lease"), parseKind("<a><LicenseType> Lease </LicenseType></a>"))
	assert.Equal(t, Kind(""), parseKind("<LicenseType>Regular"))
	assert.Equal(t, Kind(""), parseKind(""))
}

func TestRejectsUnsigned(t *testing.T) {
	unsigned := mustParse(t, raw)
	signed := mustParse(t, raw+"-Desk")

	assert.True(t, RejectsUnsigned(Regular, "1.4.1", unsigned))
	assert.True(t, RejectsUnsigned(Regular, "1.5.0.0", unsigned))
	assert.False(t, RejectsUnsigned(Regular, "1.4.0.9", unsigned))
	assert.False(t, RejectsUnsigned(Regular, "", unsigned))
	assert.False(t, RejectsUnsigned(Regular, "1.4.1", signed))
	assert.False(t, RejectsUnsigned(Kind("Trial"), "1.4.1", unsigned))
	assert.False(t, RejectsUnsigned(Unknown, "1.4.1", unsigned))
}
