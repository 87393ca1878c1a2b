package auth

import (
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"system-transparency.org/sbverify/internal/hexify"
	"system-transparency.org/sbverify/internal/options"
	"system-transparency.org/sbverify/internal/secvar"
)

const usage = `Usage:

  sbverify auth check FILE [FILE ...]

    Decodes authenticated variable updates (.auth files) and prints the
    signature lists they carry.  Use -x to also dump the raw bytes.

    -x, --hexdump  Dump each file

  sbverify auth generate [-o DIR] [-n NAME] [-d DAYS] [-r IMAGE [-r IMAGE ...]]

    Generates a throwaway signing certificate and PK.auth, KEK.auth, db.auth
    and dbx.auth updates for a lab target.  The dbx update revokes the SHA256
    digests of the given images.

    -o, --output  Output directory (Default: .)
    -n, --name    Certificate common name (Default: sbverify test key)
    -d, --days    Certificate validity in days (Default: 30)
    -r, --revoke  Image to revoke in dbx (can be repeated)
`

var (
	optHexdump bool
	optOutput  string
	optName    string
	optDays    int
	optRevoke  []string
)

func setOptions(fs *pflag.FlagSet) {
	switch cmd := fs.Name(); cmd {
	case "check":
		options.AddBool(fs, &optHexdump, "x", "hexdump", false)
	case "generate":
		options.AddString(fs, &optOutput, "o", "output", ".")
		options.AddString(fs, &optName, "n", "name", "sbverify test key")
		options.AddInt(fs, &optDays, "d", "days", 30)
		options.AddStringS(fs, &optRevoke, "r", "revoke", "")
	}
}

func Main(args []string) error {
	var err error

	opt := options.New(args, func() { fmt.Fprint(os.Stderr, usage) }, setOptions)
	switch opt.Name() {
	case "help", "":
		opt.Usage()
	case "check":
		err = check(opt.Args())
	case "generate":
		err = generate(opt.Args())
	default:
		err = fmt.Errorf("invalid command %q, try \"help\"", opt.Name())
	}

	if err != nil {
		format := " %s: %w"
		if len(opt.Name()) == 0 {
			format = "%s: %w"
		}
		err = fmt.Errorf(format, opt.Name(), err)
	}

	return err
}

func check(files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("no files")
	}
	var failed int
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		info, err := secvar.Inspect(b)
		if err != nil {
			fmt.Printf("%s: %v\n", f, err)
			failed++
		} else {
			fmt.Printf("%s: %v\n", f, info)
		}
		if optHexdump {
			fmt.Print(hexify.Dump(b))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files do not decode", failed, len(files))
	}
	return nil
}

func generate(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("trailing arguments: %v", args)
	}
	if optDays < 1 {
		return fmt.Errorf("invalid validity: %d days", optDays)
	}
	var revoked [][]byte
	for _, p := range optRevoke {
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		revoked = append(revoked, b)
	}

	h, crt, err := secvar.GenerateHierarchy(optName, time.Duration(optDays)*24*time.Hour, revoked...)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(optOutput, 0o755); err != nil {
		return err
	}
	for _, class := range secvar.Order {
		p := filepath.Join(optOutput, class.VarName()+".auth")
		if err := os.WriteFile(p, h[class], 0o644); err != nil {
			return err
		}
		fmt.Printf("%s: %s update, %d bytes\n", p, class.Description(), len(h[class]))
	}
	p := filepath.Join(optOutput, "cert.pem")
	if err := os.WriteFile(p, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: crt.Raw}), 0o644); err != nil {
		return err
	}
	fmt.Printf("%s: signing certificate\n", p)
	return nil
}
