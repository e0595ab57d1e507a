// Package auth manages the signed-in user of the parley client.
//
// A Session wraps the account endpoints of the API client (login, register,
// profile update, password change) and persists the returned user record,
// token included, under the global "user" storage key. On start the CLI
// calls Restore to pick the user back up.
//
// Failures are returned as *Error values tagged with the operation. Message
// turns any of them into a short string suitable for showing beside a
// prompt, preferring the server's own error text:
//
//	u, err := sess.Login(ctx, email, password)
//	if err != nil {
//		fmt.Println(auth.Message(err)) // "Invalid email or password"
//	}
//
// Logout removes the "user" and legacy "chatHistory" keys. A 401 from any
// API call does the same from inside the API client; the front end then
// calls Forget to drop the in-memory copy.
package auth
