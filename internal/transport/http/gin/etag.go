package httpgin

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// cachePolicy describes how long clients may reuse a public read view.
type cachePolicy struct {
	MaxAge time.Duration
	Weak   bool
}

var (
	eventPolicy        = cachePolicy{MaxAge: 60 * time.Second, Weak: true}
	availabilityPolicy = cachePolicy{MaxAge: 15 * time.Second, Weak: true}
)

func (p cachePolicy) header() string {
	return "public, max-age=" + strconv.Itoa(int(p.MaxAge.Seconds()))
}

// writeCachedJSON writes v with an ETag derived from its body and answers 304
// when the client already holds that version.
func writeCachedJSON(c *gin.Context, v any, p cachePolicy) {
	b, err := json.Marshal(v)
	if err != nil {
		respondErr(c, err)
		return
	}

	tag := etagOf(b, p.Weak)
	c.Header("ETag", tag)
	c.Header("Cache-Control", p.header())

	if etagMatches(c.GetHeader("If-None-Match"), tag) {
		c.Status(http.StatusNotModified)
		return
	}

	c.Data(http.StatusOK, "application/json; charset=utf-8", b)
}

func etagOf(body []byte, weak bool) string {
	sum := sha256.Sum256(body)
	tag := `"` + hex.EncodeToString(sum[:16]) + `"`
	if weak {
		return "W/" + tag
	}
	return tag
}

// etagMatches applies the weak comparison of If-None-Match, which may carry a
// list of tags or "*".
func etagMatches(header, tag string) bool {
	if header == "" {
		return false
	}

	want := strings.TrimPrefix(tag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == want {
			return true
		}
	}

	return false
}
