package handler

import (
	"net/http"
	"runtime"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"nudge-server/internal/version"
)

type VersionHandler struct{}

// Get reports the server build. The revision is present only in binaries
// built from a VCS checkout.
func (h *VersionHandler) Get(c *gin.Context) {
	resp := gin.H{
		"name":    version.Name,
		"version": version.Version,
		"go":      runtime.Version(),
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				resp["revision"] = s.Value
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}
