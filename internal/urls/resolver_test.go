package urls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustResolver(t *testing.T, location, runtimeBase, runtimeWS string) *Resolver {
	t.Helper()
	r, err := NewResolver(location, runtimeBase, runtimeWS)
	require.NoError(t, err)
	return r
}

func TestBasePrecedence(t *testing.T) {
	tests := []struct {
		name        string
		location    string
		runtimeBase string
		buildBase   string
		want        string
	}{
		{
			name:     "query override wins over everything",
			location: "http://host/node/lc05/42801/jobs?base=https://x/custom/",
			// runtime and build-time both set, both ignored
			runtimeBase: "/runtime/",
			buildBase:   "/build/",
			want:        "https://x/custom/",
		},
		{
			name:        "runtime config beats build-time and inference",
			location:    "http://host/node/lc05/42801/jobs",
			runtimeBase: "/runtime",
			buildBase:   "/build/",
			want:        "/runtime/",
		},
		{
			name:      "build-time beats inference",
			location:  "http://host/node/lc05/42801/jobs",
			buildBase: "/build/",
			want:      "/build/",
		},
		{
			name:     "proxy prefix inferred from path",
			location: "http://host/node/lc05/42801/jobs",
			want:     "/node/lc05/42801/",
		},
		{
			name:     "no prefix degrades to root",
			location: "http://localhost:8000/jobs",
			want:     "/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old := BuildBase
			BuildBase = tt.buildBase
			defer func() { BuildBase = old }()

			r := mustResolver(t, tt.location, tt.runtimeBase, "")
			assert.Equal(t, tt.want, r.Base())
		})
	}
}

func TestProxyPrefixMatching(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		// stops at the first slash after the port token
		{"/node/lc05/42801/jobs", "/node/lc05/42801/"},
		{"/node/lc05/42801/", "/node/lc05/42801/"},
		{"/node/lc05/42801", "/node/lc05/42801/"},
		// port token must be numeric
		{"/node/lc05/port/jobs", "/"},
		// anchored at the beginning of the path
		{"/extra/node/lc05/42801/jobs", "/"},
		{"/jobs/123", "/"},
		{"/", "/"},
		{"", "/"},
	}

	for _, tt := range tests {
		r := mustResolver(t, "http://host"+tt.path, "", "")
		assert.Equal(t, tt.want, r.Base(), "path %q", tt.path)
	}
}

func TestSocketURLDerivation(t *testing.T) {
	t.Run("http to ws", func(t *testing.T) {
		r := mustResolver(t, "http://host/node/lc05/42801/jobs", "", "")
		assert.Equal(t, "ws://host/node/lc05/42801/create_run", r.SocketURL("create_run"))
	})

	t.Run("https to wss", func(t *testing.T) {
		r := mustResolver(t, "https://host/jobs", "", "")
		assert.Equal(t, "wss://host/create_run", r.SocketURL("create_run"))
	})

	t.Run("exactly one joining slash", func(t *testing.T) {
		r := mustResolver(t, "http://host/", "/a/b/", "")
		assert.Equal(t, "ws://host/a/b/create_run", r.SocketURL("/create_run"))
		assert.Equal(t, "ws://host/a/b/create_run", r.SocketURL("create_run"))
	})

	t.Run("ws query override names the control channel verbatim", func(t *testing.T) {
		r := mustResolver(t, "http://host/?ws=ws://elsewhere/sock", "/ignored/", "")
		assert.Equal(t, "ws://elsewhere/sock", r.ControlSocketURL("create_run"))
	})

	t.Run("runtime ws override used verbatim, ignored for base", func(t *testing.T) {
		r := mustResolver(t, "http://host/x", "", "ws://elsewhere/sock")
		assert.Equal(t, "/", r.Base())
		assert.Equal(t, "ws://elsewhere/sock", r.ControlSocketURL("create_run"))
	})

	t.Run("query ws beats runtime ws", func(t *testing.T) {
		r := mustResolver(t, "http://host/?ws=ws://query/sock", "", "ws://runtime/sock")
		assert.Equal(t, "ws://query/sock", r.ControlSocketURL("create_run"))
	})

	t.Run("override does not hijack sibling endpoints", func(t *testing.T) {
		r := mustResolver(t, "http://host/x", "", "wss://elsewhere/node/lc05/42801/create_run")
		assert.Equal(t, "wss://elsewhere/node/lc05/42801/ws", r.SocketURL("ws"))
	})

	t.Run("sibling of a root-level override", func(t *testing.T) {
		r := mustResolver(t, "http://host/?ws=ws://elsewhere/sock", "", "")
		assert.Equal(t, "ws://elsewhere/ws", r.SocketURL("ws"))
	})

	t.Run("without an override control and siblings share derivation", func(t *testing.T) {
		r := mustResolver(t, "http://host/node/lc05/42801/jobs", "", "")
		assert.Equal(t, "ws://host/node/lc05/42801/create_run", r.ControlSocketURL("create_run"))
		assert.Equal(t, "ws://host/node/lc05/42801/ws", r.SocketURL("ws"))
	})
}

func TestResolutionIsIdempotent(t *testing.T) {
	r := mustResolver(t, "http://host/node/lc05/42801/jobs?base=https://x/custom/", "", "")
	assert.Equal(t, r.Base(), r.Base())
	assert.Equal(t, r.SocketURL("create_run"), r.SocketURL("create_run"))

	r2 := mustResolver(t, "http://host/node/lc05/42801/jobs", "", "")
	assert.Equal(t, r2.Base(), r2.Base())
	assert.Equal(t, r2.SocketURL("ws"), r2.SocketURL("ws"))
}

func TestEndpoint(t *testing.T) {
	r := mustResolver(t, "http://host/node/lc05/42801/jobs", "", "")
	assert.Equal(t, "http://host/node/lc05/42801/historic_jobs", r.Endpoint("historic_jobs"))

	abs := mustResolver(t, "http://host/?base=https://x/custom/", "", "")
	assert.Equal(t, "https://x/custom/inference", abs.Endpoint("inference"))
}

func TestNewResolverRejectsBadLocation(t *testing.T) {
	_, err := NewResolver("ftp://host/", "", "")
	assert.Error(t, err)

	_, err = NewResolver("://", "", "")
	assert.Error(t, err)
}
