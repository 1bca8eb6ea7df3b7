package api

import (
	"net/http"
	"time"
)

// responseCookies exposes the cookies of a request and expires them on
// its response.
type responseCookies struct {
	w http.ResponseWriter
	r *http.Request
}

func (c *responseCookies) Names() []string {
	cookies := c.r.Cookies()
	names := make([]string, 0, len(cookies))
	seen := make(map[string]struct{}, len(cookies))
	for _, ck := range cookies {
		if _, dup := seen[ck.Name]; dup {
			continue
		}
		seen[ck.Name] = struct{}{}
		names = append(names, ck.Name)
	}
	return names
}

func (c *responseCookies) Expire(name string) {
	http.SetCookie(c.w, &http.Cookie{
		Name:    name,
		Value:   "",
		Path:    "/",
		MaxAge:  -1,
		Expires: time.Unix(0, 0),
	})
}
