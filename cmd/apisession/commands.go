package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"git.sr.ht/~jakintosh/apisession/internal/watcher"
	"git.sr.ht/~jakintosh/apisession/pkg/client"
	"git.sr.ht/~jakintosh/apisession/pkg/session"
)

func (a *app) dispatch(
	ctx context.Context,
	command string,
	args []string,
	stdout io.Writer,
) (int, error) {
	switch command {
	case "login":
		if len(args) != 2 {
			return exitError, errUsage
		}
		return exitOK, a.login(ctx, args[0], args[1], stdout)
	case "register":
		if len(args) != 3 {
			return exitError, errUsage
		}
		return exitOK, a.register(ctx, args[0], args[1], args[2], stdout)
	case "logout":
		if len(args) != 0 {
			return exitError, errUsage
		}
		return exitOK, a.auth.Logout(ctx)
	case "status":
		if len(args) != 0 {
			return exitError, errUsage
		}
		return a.status(ctx, stdout)
	case "get", "delete":
		if len(args) != 1 {
			return exitError, errUsage
		}
		return exitOK, a.request(ctx, command, args[0], stdout)
	case "watch":
		if len(args) != 0 {
			return exitError, errUsage
		}
		return exitOK, a.watch(ctx, stdout)
	default:
		return exitError, fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

func (a *app) login(ctx context.Context, email, password string, stdout io.Writer) error {
	identity, err := a.auth.Login(ctx, email, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "logged in as %s <%s>\n", identity.Name, identity.Email)
	return nil
}

func (a *app) register(ctx context.Context, name, email, password string, stdout io.Writer) error {
	if err := a.auth.Register(ctx, name, email, password); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "registered %s; log in to continue\n", email)
	return nil
}

func (a *app) status(ctx context.Context, stdout io.Writer) (int, error) {
	decision, err := a.guard.Enter(ctx)
	if err != nil {
		return exitError, err
	}
	printDecision(stdout, decision)
	if decision.State == session.Anonymous {
		return exitAnonymous, nil
	}
	return exitOK, nil
}

func (a *app) request(ctx context.Context, method, path string, stdout io.Writer) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var res *http.Response
	var err error
	switch method {
	case "get":
		res, err = a.client.Get(ctx, path)
	case "delete":
		res, err = a.client.Delete(ctx, path)
	}
	if err != nil {
		return err
	}
	if err := client.CheckResponse(res); err != nil {
		return err
	}
	defer res.Body.Close()

	_, err = io.Copy(stdout, res.Body)
	return err
}

// watch reports the session state again whenever another process changes
// the session file.
func (a *app) watch(ctx context.Context, stdout io.Writer) error {
	if a.sqlite == nil {
		return errors.New("watch needs the sqlite session store")
	}

	w, err := watcher.New(a.sqlite.Path(), watcher.DefaultDebounce)
	if err != nil {
		return fmt.Errorf("couldn't watch %s: %w", a.sqlite.Path(), err)
	}

	report := func() {
		decision, err := a.guard.Enter(ctx)
		if err != nil {
			logger.Warningf("couldn't evaluate session: %v", err)
			return
		}
		printDecision(stdout, decision)
	}

	report()
	w.Run(ctx, report)
	return nil
}

func printDecision(w io.Writer, d session.Decision) {
	fmt.Fprintf(w, "%s -> %s\n", d.State, d.Redirect)
	if d.Identity != nil {
		fmt.Fprintf(w, "  %s <%s> (%s)\n", d.Identity.Name, d.Identity.Email, d.Identity.ID)
	}
}
