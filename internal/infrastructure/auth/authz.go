package auth

import "github.com/amethystlabs/amethyst-backend/internal/models"

// Resource names an area of the API that roles are checked against.
type Resource string

const (
	ResourceGeneration Resource = "generation"
	ResourceCredits    Resource = "credits"
	ResourceModeration Resource = "moderation"
	ResourceAdmin      Resource = "admin"
)

// CanAccess is the single authorization predicate. Moderators get the
// moderation surface, admins get everything, regular users get their own
// generation and credit operations.
func CanAccess(role models.Role, resource Resource) bool {
	switch resource {
	case ResourceGeneration, ResourceCredits:
		return role == models.RoleUser || role == models.RoleModerator || role == models.RoleAdmin
	case ResourceModeration:
		return role == models.RoleModerator || role == models.RoleAdmin
	case ResourceAdmin:
		return role == models.RoleAdmin
	}
	return false
}
