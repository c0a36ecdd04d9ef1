package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aexlabs/aex/pkg/ledger"
)

// maxDetailLen bounds client-visible error detail.
const maxDetailLen = 240

// writeError maps any pipeline error onto the wire. ControlError carries its
// own status and structured extras; everything else is an opaque 500.
func writeError(c *gin.Context, err error) {
	if ce, ok := ledger.AsControlError(err); ok {
		c.JSON(ce.Status, controlErrorBody(ce))
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal error"})
}

func controlErrorBody(ce *ledger.ControlError) gin.H {
	body := gin.H{"detail": truncate(ce.Detail)}
	for k, v := range ce.Extra {
		body[k] = v
	}
	return body
}

func truncate(detail string) string {
	if len(detail) > maxDetailLen {
		return detail[:maxDetailLen]
	}
	return detail
}
