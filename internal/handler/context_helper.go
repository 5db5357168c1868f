package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/labsafe/permit-api/internal/middleware"
	"github.com/labsafe/permit-api/internal/models"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// identityFromContext converts the stored claims into the explicit
// caller identity every service call receives.
func identityFromContext(c *gin.Context) models.Identity {
	return claimsFromContext(c).Identity()
}
