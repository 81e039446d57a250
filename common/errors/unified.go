package errors

import (
	"github.com/gin-gonic/gin"
)

const problemContentType = "application/problem+json"

// Respond writes a problem-details response, tagging it with the request
// trace id when the tracing middleware has set one.
func Respond(c *gin.Context, p *ProblemDetails) {
	if p.Instance == "" {
		p.Instance = c.Request.URL.Path
	}
	if p.TraceID == "" {
		if traceID := traceIDFrom(c); traceID != "" {
			p.WithTraceID(traceID)
		}
	}
	c.Header("Content-Type", problemContentType)
	c.JSON(p.Status, p)
}

// RespondError converts an arbitrary error to a problem-details response.
// ProblemDetails values pass through unchanged; anything else becomes an
// internal error.
func RespondError(c *gin.Context, err error) {
	if p, ok := err.(*ProblemDetails); ok {
		Respond(c, p)
		return
	}
	Respond(c, NewInternalError(err.Error(), c.Request.URL.Path))
}

func traceIDFrom(c *gin.Context) string {
	if traceID, exists := c.Get("trace_id"); exists {
		if id, ok := traceID.(string); ok {
			return id
		}
	}
	return c.GetHeader("X-Trace-ID")
}
