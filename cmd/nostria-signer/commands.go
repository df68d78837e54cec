package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/nostria/signer/activation"
	"github.com/nostria/signer/activity"
	"github.com/nostria/signer/bunker"
	"github.com/nostria/signer/config"
	"github.com/nostria/signer/identity"
	"github.com/urfave/cli/v2"
)

var initCommand = &cli.Command{
	Name:  "init",
	Usage: "generate the signer key and the first client identity",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "force", Usage: "replace an existing signer key"},
	},
	Action: func(cCtx *cli.Context) error {
		e, err := openEnv(cCtx, nil)
		if err != nil {
			return err
		}
		defer e.bunker.Close()

		if _, ok := e.bunker.Identities.Signer(); ok && !cCtx.Bool("force") {
			return errors.New("a signer identity already exists, use --force to replace it")
		}

		if _, err := os.Stat(e.configPath); errors.Is(err, os.ErrNotExist) {
			cfg := e.cfg
			cfg.Relays = e.bunker.Connection.Relays()
			if err := config.Save(e.configPath, cfg); err != nil {
				return err
			}
			fmt.Println("wrote", e.configPath)
		}

		signer, secret, err := e.bunker.GenerateSignerIdentity()
		if err != nil {
			return err
		}
		return printSigner(e.bunker, signer, secret)
	},
}

var importSignerCommand = &cli.Command{
	Name:      "import-signer",
	Usage:     "use an existing key (nsec or hex) as the signer key",
	ArgsUsage: "<nsec|hex>",
	Action: withBunker(func(cCtx *cli.Context, b *bunker.Bunker) error {
		key, err := singleArg(cCtx)
		if err != nil {
			return err
		}
		signer, secret, err := b.ImportSignerIdentity(key)
		if err != nil {
			return err
		}
		return printSigner(b, signer, secret)
	}),
}

func printSigner(b *bunker.Bunker, signer identity.Identity, secret string) error {
	npub, _ := signer.Npub()
	fmt.Println("signer:", npub)
	return printSecretURL(b, secret)
}

func printSecretURL(b *bunker.Bunker, secret string) error {
	for _, a := range b.Activations.All() {
		if a.IsPending() && a.Secret == secret {
			u, err := b.ConnectionURL(a)
			if err != nil {
				return err
			}
			fmt.Println(u)
			return nil
		}
	}
	return fmt.Errorf("activation with secret %s not found", secret)
}

var identityCommand = &cli.Command{
	Name:  "identity",
	Usage: "manage client identities",
	Subcommands: []*cli.Command{
		{
			Name:  "new",
			Usage: "generate a client identity",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "seed", Usage: "derive the key from this 32-byte hex seed"},
			},
			Action: withBunker(func(cCtx *cli.Context, b *bunker.Bunker) error {
				id, secret, err := b.Identities.GenerateClientIdentity(cCtx.String("seed"))
				if err != nil {
					return err
				}
				return printIdentity(b, id, secret)
			}),
		},
		{
			Name:      "import",
			Usage:     "import a client identity from an nsec, a hex key or a mnemonic",
			ArgsUsage: "[--mnemonic] <nsec|hex|words...>",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "mnemonic", Usage: "treat the arguments as a BIP-39 mnemonic"},
			},
			Action: withBunker(func(cCtx *cli.Context, b *bunker.Bunker) error {
				if cCtx.NArg() == 0 {
					return errors.New("missing key")
				}

				var (
					id     identity.Identity
					secret string
					err    error
				)
				if cCtx.Bool("mnemonic") {
					id, secret, err = b.Identities.ImportMnemonic(strings.Join(cCtx.Args().Slice(), " "))
				} else {
					id, secret, err = b.Identities.ImportIdentity(cCtx.Args().First())
				}
				if err != nil {
					return err
				}
				return printIdentity(b, id, secret)
			}),
		},
		{
			Name:  "list",
			Usage: "list client identities",
			Action: withBunker(func(cCtx *cli.Context, b *bunker.Bunker) error {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NPUB\tPUBKEY\tACTIVATIONS")
				for _, id := range b.Identities.ListClientIdentities() {
					npub, _ := id.Npub()
					fmt.Fprintf(w, "%s\t%s\t%d\n", npub, id.PublicKey, len(b.Activations.ListByIdentity(id.PublicKey)))
				}
				return w.Flush()
			}),
		},
		{
			Name:      "delete",
			Usage:     "delete a client identity together with its key and activations",
			ArgsUsage: "<npub|hex>",
			Action: withBunker(func(cCtx *cli.Context, b *bunker.Bunker) error {
				arg, err := singleArg(cCtx)
				if err != nil {
					return err
				}
				pubkey, err := parsePubkey(arg)
				if err != nil {
					return err
				}
				return b.Identities.DeleteClientIdentity(pubkey)
			}),
		},
	},
}

func printIdentity(b *bunker.Bunker, id identity.Identity, secret string) error {
	npub, _ := id.Npub()
	fmt.Println("identity:", npub)
	return printSecretURL(b, secret)
}

var activationCommand = &cli.Command{
	Name:  "activation",
	Usage: "manage client activations",
	Subcommands: []*cli.Command{
		{
			Name:      "new",
			Usage:     "create a pending activation for a client identity and print its URL",
			ArgsUsage: "<identity npub|hex>",
			Action: withBunker(func(cCtx *cli.Context, b *bunker.Bunker) error {
				arg, err := singleArg(cCtx)
				if err != nil {
					return err
				}
				pubkey, err := parsePubkey(arg)
				if err != nil {
					return err
				}
				if _, err := b.Identities.ClientIdentity(pubkey); err != nil {
					return err
				}
				secret, err := b.Activations.CreatePending(pubkey)
				if err != nil {
					return err
				}
				return printSecretURL(b, secret)
			}),
		},
		{
			Name:  "list",
			Usage: "list activations",
			Action: withBunker(func(cCtx *cli.Context, b *bunker.Bunker) error {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CLIENT\tIDENTITY\tDATE\tSCHEME\tPERMISSIONS")
				for _, a := range b.Activations.All() {
					client := a.ClientPubkey
					if a.IsPending() {
						client = "pending:" + a.Secret
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						client, a.Pubkey, a.ActivatedDate.Format(time.RFC3339), a.CipherScheme, a.Permissions)
				}
				return w.Flush()
			}),
		},
		{
			Name:      "permissions",
			Usage:     "show or change the permissions of an activation, flags go before the argument",
			ArgsUsage: "[--set list] [--add perm] [--remove perm] <client pubkey|secret>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "set", Usage: "replace the permissions with this comma-separated list"},
				&cli.StringSliceFlag{Name: "add", Usage: "grant a permission"},
				&cli.StringSliceFlag{Name: "remove", Usage: "revoke a permission"},
			},
			Action: withBunker(func(cCtx *cli.Context, b *bunker.Bunker) error {
				arg, err := singleArg(cCtx)
				if err != nil {
					return err
				}
				a, err := findActivation(b.Activations, arg)
				if err != nil {
					return err
				}

				perms := a.Permissions
				if cCtx.IsSet("set") {
					perms = activation.ParsePermissions(cCtx.String("set"))
				}
				perms = perms.With(cCtx.StringSlice("add")...).Without(cCtx.StringSlice("remove")...)

				if !cCtx.IsSet("set") && !cCtx.IsSet("add") && !cCtx.IsSet("remove") {
					fmt.Println(perms)
					return nil
				}
				if err := b.Activations.UpdatePermissions(a.Key(), perms); err != nil {
					return err
				}
				fmt.Println(perms)
				return nil
			}),
		},
		{
			Name:      "delete",
			Usage:     "revoke an activation",
			ArgsUsage: "<client pubkey|secret>",
			Action: withBunker(func(cCtx *cli.Context, b *bunker.Bunker) error {
				arg, err := singleArg(cCtx)
				if err != nil {
					return err
				}
				a, err := findActivation(b.Activations, arg)
				if err != nil {
					return err
				}
				return b.Activations.Delete(a.Key())
			}),
		},
	},
}

// findActivation resolves a record by client pubkey (hex or npub) or, for
// pending records, by secret.
func findActivation(r *activation.Registry, ref string) (activation.Activation, error) {
	pubkey, _ := parsePubkey(ref)

	var matches []activation.Activation
	for _, a := range r.All() {
		if (a.IsPending() && a.Secret == ref) || (!a.IsPending() && a.ClientPubkey == pubkey) {
			matches = append(matches, a)
		}
	}
	switch len(matches) {
	case 0:
		return activation.Activation{}, activation.ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return activation.Activation{}, fmt.Errorf("%s matches %d activations", ref, len(matches))
	}
}

var urlCommand = &cli.Command{
	Name:  "url",
	Usage: "print the connection URLs of pending activations",
	Action: withBunker(func(cCtx *cli.Context, b *bunker.Bunker) error {
		urls, err := b.PendingConnectionURLs()
		if err != nil {
			return err
		}
		for _, u := range urls {
			fmt.Println(u)
		}
		return nil
	}),
}

var relaysCommand = &cli.Command{
	Name:  "relays",
	Usage: "show or change the relays the signer listens on",
	Subcommands: []*cli.Command{
		{
			Name: "list",
			Action: withBunker(func(cCtx *cli.Context, b *bunker.Bunker) error {
				for _, r := range b.Connection.Relays() {
					fmt.Println(r)
				}
				return nil
			}),
		},
		{
			Name:      "set",
			Usage:     "replace the relay list and write it to the config file",
			ArgsUsage: "<url...>",
			Action: func(cCtx *cli.Context) error {
				e, err := openEnv(cCtx, nil)
				if err != nil {
					return err
				}
				defer e.bunker.Close()

				if err := e.bunker.Connection.UpdateRelays(cCtx.Args().Slice()); err != nil {
					return err
				}
				cfg := e.cfg
				cfg.Relays = e.bunker.Connection.Relays()
				if err := config.Save(e.configPath, cfg); err != nil {
					return err
				}
				for _, r := range cfg.Relays {
					fmt.Println(r)
				}
				return nil
			},
		},
	},
}

var logsCommand = &cli.Command{
	Name:  "logs",
	Usage: "print the activity log, newest first",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "type", Usage: "only entries of this type (event-received, sign-request, encryption, connection, error)"},
		&cli.StringFlag{Name: "pubkey", Usage: "only entries about this client"},
		&cli.IntFlag{Name: "limit", Value: 50, Usage: "print at most this many entries, 0 for all"},
		&cli.BoolFlag{Name: "clear", Usage: "clear the log"},
	},
	Action: withBunker(func(cCtx *cli.Context, b *bunker.Bunker) error {
		if cCtx.Bool("clear") {
			b.Activity.Clear()
			return nil
		}

		var pubkey string
		if p := cCtx.String("pubkey"); p != "" {
			var err error
			if pubkey, err = parsePubkey(p); err != nil {
				return err
			}
		}

		entries := b.Activity.Filter(activity.Type(cCtx.String("type")), pubkey)
		if limit := cCtx.Int("limit"); limit > 0 && len(entries) > limit {
			entries = entries[:limit]
		}
		for _, e := range entries {
			line := fmt.Sprintf("%s  %-14s %s", e.Timestamp.Local().Format(time.DateTime), e.Type, e.Message)
			if e.Pubkey != "" {
				line += "  " + e.Pubkey
			}
			fmt.Println(line)
		}
		return nil
	}),
}

var resetCommand = &cli.Command{
	Name:  "reset",
	Usage: "delete every key, identity, activation, relay setting and log entry",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "yes", Usage: "confirm the reset"},
	},
	Action: withBunker(func(cCtx *cli.Context, b *bunker.Bunker) error {
		if !cCtx.Bool("yes") {
			return errors.New("this deletes all keys, pass --yes to confirm")
		}
		return b.Reset()
	}),
}

func singleArg(cCtx *cli.Context) (string, error) {
	if cCtx.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one argument, got %d", cCtx.NArg())
	}
	return cCtx.Args().First(), nil
}

// parsePubkey accepts hex or npub.
func parsePubkey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil || prefix != "npub" {
			return "", fmt.Errorf("invalid npub: %s", s)
		}
		s = value.(string)
	}
	s = strings.ToLower(s)
	if !nostr.IsValidPublicKey(s) {
		return "", fmt.Errorf("invalid public key: %s", s)
	}
	return s, nil
}
