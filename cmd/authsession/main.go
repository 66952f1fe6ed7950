// Command authsession drives a session manager from the shell. Only
// remembered sessions outlive a single invocation, since the session
// lifetime store is in memory.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aussiebroadwan/authsession/internal/app"
	"github.com/aussiebroadwan/authsession/pkg/authsession"
)

const usage = `usage: authsession <command> [args]

commands:
  login [-remember] <login> <password>
  code <code>
  token
  claims
  delegated <subject-id>
  apply <subject-id>
  logout

configuration is read from the environment (AUTH_BASE_URL, AUTH_DURABLE_STORE, ...)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(app.LoadConfig())
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	err = run(ctx, application.Manager, os.Args[1], os.Args[2:], os.Stdout)
	if cerr := application.Close(); cerr != nil {
		application.Logger().Error("error closing stores", "error", cerr)
	}

	var ue usageError
	switch {
	case errors.As(err, &ue):
		fmt.Fprintf(os.Stderr, "%s\n\n%s", ue, usage)
		os.Exit(2)
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

func run(ctx context.Context, m *authsession.Manager, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "login":
		fs := flag.NewFlagSet("login", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		remember := fs.Bool("remember", false, "keep the session after this process exits")
		if err := fs.Parse(args); err != nil {
			return usageError(err.Error())
		}
		if fs.NArg() != 2 {
			return usageError("login needs <login> <password>")
		}
		return result(m.Login(ctx, fs.Arg(0), fs.Arg(1), *remember), out)

	case "code":
		if len(args) != 1 {
			return usageError("code needs <code>")
		}
		return result(m.LoginByCode(ctx, args[0]), out)

	case "token":
		token, err := m.GetToken(ctx)
		if err != nil {
			return err
		}
		if token == "" {
			return authsession.ErrNotAuthenticated
		}
		_, err = fmt.Fprintln(out, token)
		return err

	case "claims":
		profile, ok := m.Claims(ctx)
		if !ok {
			return authsession.ErrNotAuthenticated
		}
		return writeJSON(out, profile)

	case "delegated":
		if len(args) != 1 {
			return usageError("delegated needs <subject-id>")
		}
		rights, err := m.DelegatedRights(ctx, args[0])
		if err != nil {
			return err
		}
		return writeJSON(out, rights)

	case "apply":
		if len(args) != 1 {
			return usageError("apply needs <subject-id>")
		}
		return result(m.ApplyDelegatedRights(ctx, args[0]), out)

	case "logout":
		if err := m.Logout(ctx); err != nil {
			return err
		}
		_, err := fmt.Fprintln(out, "logged out")
		return err

	default:
		return usageError(fmt.Sprintf("unknown command %q", cmd))
	}
}

func result(res authsession.Result, out io.Writer) error {
	if !res.Success {
		return errors.New(res.ErrorMessage)
	}
	_, err := fmt.Fprintln(out, "ok")
	return err
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
