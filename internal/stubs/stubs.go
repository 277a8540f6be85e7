package stubs

import "time"

// User is an account known to the fake server.
type User struct {
	ID       int64
	Name     string
	Email    string
	Password string
}

var Users = []User{
	{ID: 1, Name: "Alice", Email: "alice@example.com", Password: "alice"},
	{ID: 2, Name: "Bob", Email: "bob@example.com", Password: "bob"},
	{ID: 3, Name: "Charlie", Email: "charlie@example.com", Password: "charlie"},
}

// Seed is one message present on the server from the start.
type Seed struct {
	From, To int64
	Body     string
	Ago      time.Duration
}

var Messages = []Seed{
	{From: 1, To: 2, Body: "Hello Bob!", Ago: 5 * time.Minute},
	{From: 2, To: 1, Body: "Hi Alice!", Ago: 4 * time.Minute},
}
