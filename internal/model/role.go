package model

// Role values carried in the JWT "role" claim and enforced by the role
// middleware. Account records live with the auth collaborator; loan
// listings join the users table directly, so no user struct exists here.
const (
	RoleAdmin  = "ADMIN"
	RoleMember = "MEMBER"
)
