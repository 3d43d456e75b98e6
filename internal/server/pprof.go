package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strings"

	"agentflow/pkg/logx"

	"github.com/gin-gonic/gin"
)

// PprofConfig mounts net/http/pprof on the API engine.
type PprofConfig struct {
	Enabled       bool
	Prefix        string
	Token         string
	AllowInsecure bool

	MutexProfileFraction int
	BlockProfileRate     int
}

func applyRuntimeRates(cfg PprofConfig) {
	// 0 keeps Go defaults.
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

// mountPprof registers the profiling handlers under cfg.Prefix. It refuses to
// mount without a token on a non-loopback address unless AllowInsecure is set.
func mountPprof(r *gin.Engine, addr string, cfg PprofConfig, log logx.Logger) bool {
	if !cfg.Enabled {
		return false
	}
	applyRuntimeRates(cfg)

	tok := strings.TrimSpace(cfg.Token)
	if tok == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			log.Error("pprof refused: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return false
		}
		log.Warn("pprof mounted without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	prefix := normalizePrefix(cfg.Prefix)
	base := strings.TrimSuffix(prefix, "/")
	g := r.Group(base, requireToken(tok))
	g.GET("/", gin.WrapF(pprofIndexAt(prefix)))
	g.GET("/:profile", func(c *gin.Context) {
		switch c.Param("profile") {
		case "cmdline":
			hpprof.Cmdline(c.Writer, c.Request)
		case "profile":
			hpprof.Profile(c.Writer, c.Request)
		case "symbol":
			hpprof.Symbol(c.Writer, c.Request)
		case "trace":
			hpprof.Trace(c.Writer, c.Request)
		default:
			pprofIndexAt(prefix)(c.Writer, c.Request)
		}
	})
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))

	log.Info("pprof mounted", logx.String("prefix", prefix), logx.Bool("token_set", tok != ""))
	return true
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func requireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			const p = "Bearer "
			if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" || p == "/" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index resolves named profiles relative to /debug/pprof/, so custom
// prefixes are rewritten before the call.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, canon)
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + suffix
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
