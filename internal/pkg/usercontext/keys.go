package usercontext

// Session and Locals keys shared by the login flow, middlewares and controllers.
const (
	KeyUserID      = "user_id"
	KeyUsername    = "username"
	KeyIsAdmin     = "isAdmin"
	KeyUserContext = "USER_CONTEXT"
	KeyPlan        = "current_plan"
)
