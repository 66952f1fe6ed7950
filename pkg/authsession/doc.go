/*
Package authsession keeps a user signed in against the identity service from
the client side.

# Overview

A Manager logs the user in, stores the resulting access and refresh tokens,
and hands out a valid access token whenever the application is about to make
an authenticated call. Expired access tokens are renewed with the refresh
token without the caller noticing.

	store := credstore.New(credstore.NewMemory(), durable)

	m, err := authsession.New(authsession.Config{
		BaseURL: "https://id.example.com",
		Store:   store,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	res := m.Login(ctx, "alice", "secret", true)
	if !res.Success {
		fmt.Println(res.ErrorMessage)
		return nil
	}

	token, err := m.GetToken(ctx)

# Getting a Token

GetToken is the only call most code needs:

 1. A stored access token whose exp is still in the future is returned as is.
 2. Otherwise the refresh token is exchanged for a new pair.
 3. With no refresh token at all the credentials are cleared and GetToken
    returns an empty token and a nil error. The user is simply logged out.

Authorize and Transport wrap GetToken for code that builds its own requests:

	client := &http.Client{Transport: m.Transport(nil)}

# Refresh Coalescing

Any number of goroutines may find the access token expired at the same time.
Only one refresh request goes out; the rest wait for it and share its result.
The request runs under Config.RefreshTimeout (DefaultRefreshTimeout when
unset) and is not tied to any caller's context: a caller that gives up gets
its context error back while the others keep waiting.

A failed refresh is returned to every waiter wrapped in ErrRefreshFailed. The
stored refresh token is left in place so a later call can try again.

# Remember Me

Login with rememberMe stores the refresh token in the durable backend of the
credstore, together with a lifetime tag. Later refreshes keep the token where
it is. Code logins and applied delegations always use the session backend.

# Results and Errors

Login, LoginByCode and ApplyDelegatedRights never return errors for expected
failures. They return a Result whose ErrorMessage is the user-facing text:

  - ValidationError: missing input, never sent
  - ServerRejection: the server answered Success false; the message comes from
    FailReason (see ParseFailReason)
  - TransportError: the request failed or came back non-2xx

Every failure is logged and passed to Config.OnError when set.
*/
package authsession
