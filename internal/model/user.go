package model

// User is an operator account
type User struct {
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	PasswordHash string `json:"-"`
	CreatedAt    string `json:"created_at"`
}

// Identity is the authenticated caller extracted from a token
type Identity struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}
