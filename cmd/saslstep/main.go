// Command saslstep runs one SASL exchange over standard input and output:
// every line read is a base64 peer message, every line written a base64 reply.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/mumuhhh/gosasl/internal/config"
	"github.com/mumuhhh/gosasl/sasl"
	_ "github.com/mumuhhh/gosasl/sasl/all"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	// Load .env file if present (ignore error if missing)
	_ = godotenv.Load()

	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return 2
	}

	app := newApp(cfg, stdin, stdout, stderr)
	err = app.Run(append([]string{app.Name}, args...))
	if err == nil {
		return 0
	}

	fmt.Fprintln(stderr, err)
	var exit cli.ExitCoder
	if errors.As(err, &exit) {
		return exit.ExitCode()
	}
	return 1
}

func newApp(cfg *config.Config, stdin io.Reader, stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:        "saslstep",
		Usage:       "run one SASL exchange as base64 lines over stdin and stdout",
		HideVersion: true,
		Reader:      stdin,
		Writer:      stdout,
		ErrWriter:   stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "mode",
				Value: cfg.Mode,
				Usage: "client or server",
			},
			&cli.StringFlag{
				Name:  "mech",
				Value: cfg.Mechanisms,
				Usage: "whitespace separated candidate mechanisms",
			},
			&cli.BoolFlag{
				Name:  "version",
				Usage: "print version and exit",
			},
		},
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return cli.Exit(err.Error(), 2)
		},
		// exit codes are returned by run, never through os.Exit inside the app
		ExitErrHandler: func(*cli.Context, error) {},
		Action: func(c *cli.Context) error {
			if c.Bool("version") {
				fmt.Fprintln(stdout, version)
				return nil
			}
			return authenticate(cfg, c.String("mode"), c.String("mech"), stdin, stdout, stderr)
		},
	}
}

func authenticate(cfg *config.Config, mode, mechs string, stdin io.Reader, stdout, stderr io.Writer) error {
	ctx, err := sasl.Initialize(options(cfg)...)
	if err != nil {
		return cli.Exit(fmt.Sprintf("initialize: %v", err), 1)
	}
	defer ctx.Shutdown()

	if cfg.Verbose {
		ctx.EnableLogger()
	}

	var session *sasl.Session
	switch mode {
	case "client":
		session, err = ctx.StartClientSession(mechs)
	case "server":
		session, err = ctx.StartServerSession(mechs)
	default:
		return cli.Exit(fmt.Sprintf("invalid -mode: %s (must be client or server)", mode), 2)
	}
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer session.Release()

	if err := exchange(session, bufio.NewScanner(stdin), stdout); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if user, ok := session.PropertyFast(sasl.AuthID); ok && session.Role() == sasl.RoleServer {
		fmt.Fprintf(stderr, "authenticated %s with %s\n", user, session.Mechanism())
	}
	return nil
}

func options(cfg *config.Config) []sasl.Option {
	logger := sasl.NewLogger(os.Stderr, cfg.LogLevel)

	return []sasl.Option{
		sasl.WithLogger(logger),
		sasl.WithPropertyCallback(func(s *sasl.Session, p sasl.Property) (string, bool) {
			if p == sasl.Password && s.Role() == sasl.RoleServer && len(cfg.Users) > 0 {
				user, _ := s.PropertyFast(sasl.AuthID)
				pass, ok := cfg.Users[user]
				return pass, ok
			}
			v, ok := cfg.Properties[p]
			return v, ok
		}),
		sasl.WithValidator(sasl.ValidateSimple, func(s *sasl.Session) bool {
			user, _ := s.PropertyFast(sasl.AuthID)
			pass, _ := s.PropertyFast(sasl.Password)
			want, ok := cfg.Users[user]
			return ok && want == pass
		}),
		sasl.WithValidator(sasl.ValidateAnonymous, func(*sasl.Session) bool { return true }),
	}
}

// exchange steps session until it completes. A client steps first.
func exchange(session *sasl.Session, in *bufio.Scanner, out io.Writer) error {
	in.Buffer(make([]byte, 0, 4096), 1<<20)

	if session.Role() == sasl.RoleClient {
		more, err := step(session, "", out)
		if err != nil || !more {
			return err
		}
	}

	for in.Scan() {
		more, err := step(session, in.Text(), out)
		if err != nil || !more {
			return err
		}
	}
	if err := in.Err(); err != nil {
		return err
	}
	return fmt.Errorf("input ended before %s completed", session.Mechanism())
}

func step(session *sasl.Session, input string, out io.Writer) (bool, error) {
	output, more, err := session.Step64(input)
	if err != nil {
		return false, err
	}
	_, err = fmt.Fprintln(out, output)
	return more, err
}
