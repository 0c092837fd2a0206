package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Wikid82/sigforge/internal/util"
)

// resourceNames maps the first API path segment to the log field prefix of
// its :id and :uuid parameters.
var resourceNames = map[string]string{
	"sources":       "source",
	"rulesets":      "ruleset",
	"rules":         "rule",
	"sids":          "rule",
	"thresholds":    "threshold",
	"updates":       "update",
	"notifications": "notification",
	"providers":     "provider",
}

// Recovery turns a handler panic into a 500 and logs the route and the
// source, ruleset, rule or threshold it was serving. verbose adds the
// stack and the redacted request headers.
func Recovery(verbose bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			entry := GetRequestLogger(c).WithFields(routeFields(c))
			if verbose {
				entry.WithField("headers", SanitizeHeaders(c.Request.Header)).
					Errorf("PANIC: %v\nStacktrace:\n%s", r, debug.Stack())
			} else {
				entry.Errorf("PANIC: %v", r)
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":      "internal server error",
				"request_id": c.GetString(RequestIDKey),
			})
		}()
		c.Next()
	}
}

// routeFields names the matched route and its path parameters. A bare :id
// or :uuid is qualified by the resource it addresses, so a panic on
// /api/v1/rulesets/3/rules/9/enable logs ruleset_id=3 and rule_id=9.
func routeFields(c *gin.Context) logrus.Fields {
	fields := logrus.Fields{
		"method": c.Request.Method,
		"path":   SanitizePath(c.Request.URL.Path),
	}
	route := c.FullPath()
	if route == "" {
		return fields
	}
	fields["route"] = route

	resource := ""
	for _, seg := range strings.Split(strings.TrimPrefix(route, "/api/v1/"), "/") {
		if seg != "" && !strings.HasPrefix(seg, ":") {
			resource = resourceNames[seg]
			break
		}
	}
	for _, p := range c.Params {
		key := p.Key
		if resource != "" && (key == "id" || key == "uuid" || key == "sid") {
			key = resource + "_" + key
		}
		fields[key] = SanitizeParam(p.Value)
	}
	return fields
}

// SanitizeParam bounds a path parameter for logging.
func SanitizeParam(v string) string {
	return truncate(util.SanitizeForLog(v), 64)
}
