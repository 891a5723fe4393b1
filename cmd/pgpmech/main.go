package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ctrliq/pgpmech/pkg/mechanism"
	"github.com/sirupsen/logrus"
)

// set by the build system
var version string

const passphraseEnv = "PGPMECH_PASSPHRASE"

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pgpmech"
	}
	return filepath.Join(home, ".pgpmech")
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func execute(args []string) error {
	fs := flag.NewFlagSet("pgpmech", flag.ContinueOnError)
	home := fs.String("home", defaultHome(), "mechanism home directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: pgpmech [-home DIR] import FILE | sign KEYHANDLE FILE | verify FILE | export")
	}

	m, err := mechanism.NewFromDirectory(*home)
	if err != nil {
		return fmt.Errorf("while opening mechanism: %s", err)
	}
	defer m.Close()

	switch rest[0] {
	case "import":
		if len(rest) != 2 {
			return fmt.Errorf("import requires a key file argument")
		}
		blob, err := readInput(rest[1])
		if err != nil {
			return err
		}
		fingerprints, err := m.ImportKeys(blob)
		if err != nil {
			return fmt.Errorf("while importing keys: %s", err)
		}
		for _, fp := range fingerprints {
			logrus.WithField("fingerprint", fp).Info("Imported certificate")
		}
	case "sign":
		if len(rest) != 3 {
			return fmt.Errorf("sign requires a key handle and a data file argument")
		}
		data, err := readInput(rest[2])
		if err != nil {
			return err
		}
		var pass *string
		if v, ok := os.LookupEnv(passphraseEnv); ok {
			pass = &v
		}
		sig, err := m.Sign(rest[1], pass, data)
		if err != nil {
			return fmt.Errorf("while signing: %s", err)
		}
		if _, err := os.Stdout.Write(sig); err != nil {
			return err
		}
	case "verify":
		if len(rest) != 2 {
			return fmt.Errorf("verify requires a signature file argument")
		}
		sig, err := readInput(rest[1])
		if err != nil {
			return err
		}
		result, err := m.Verify(sig)
		if err != nil {
			return fmt.Errorf("while verifying: %s", err)
		}
		logrus.WithField("signer", result.Signer).Info("Signature verified")
		if _, err := os.Stdout.Write(result.Content); err != nil {
			return err
		}
	case "export":
		if err := m.ExportCerts(os.Stdout); err != nil {
			return fmt.Errorf("while exporting certificates: %s", err)
		}
	default:
		return fmt.Errorf("unknown command %q", rest[0])
	}

	return nil
}

func main() {
	if err := execute(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("pgpmech failed")
	}
}
