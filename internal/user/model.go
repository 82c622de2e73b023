package user

type User struct {
	ID        int64   `json:"id"`
	Username  string  `json:"username"`
	Password  string  `json:"-"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

// Profile is the public face of a user, attached to outgoing message and
// conversation payloads.
type Profile struct {
	ID          int64   `json:"id"`
	DisplayName string  `json:"display_name"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          int64  `json:"id"`
	Username    string `json:"username"`
}
