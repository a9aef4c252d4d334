package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/scanlink/internal/auth"
	"github.com/nextlevelbuilder/scanlink/internal/gateway"
	"github.com/nextlevelbuilder/scanlink/internal/pairing"
)

func loginCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the identity token used to generate pairing codes",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			if token == "" {
				var err error
				token, err = promptPassword("Identity token", "Paste the bearer token issued by the server")
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %s\n", err)
					os.Exit(1)
				}
			}
			token = strings.TrimSpace(token)

			userID, err := auth.UserIDFromToken(token)
			if err != nil && cfg.Auth.UserID == "" {
				fmt.Fprintf(os.Stderr, "Error: %s (set auth.user_id to use this token)\n", err)
				os.Exit(1)
			}
			if err := auth.SaveToken(cfg.Auth.KeyringService, cfg.Auth.KeyringUser, token); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			if userID == "" {
				userID = cfg.Auth.UserID
			}
			fmt.Println(okStyle.Render("✓ Logged in as " + userID))
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token to store (prompted when omitted)")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored identity token",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			if err := auth.DeleteToken(cfg.Auth.KeyringService, cfg.Auth.KeyringUser); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			fmt.Println("Logged out.")
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		owner pairing.Owner
		ttl   time.Duration
		save  bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token signed with devserver.jwt_secret",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			if owner.UserID == "" {
				id, err := promptString("User id", "Subject of the token", "dev-user")
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %s\n", err)
					os.Exit(1)
				}
				owner.UserID = id
			}

			token, err := gateway.NewTokenIssuer(cfg.DevServer.JWTSecret).Mint(owner, ttl)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s\n", err)
				os.Exit(1)
			}
			if save {
				if err := auth.SaveToken(cfg.Auth.KeyringService, cfg.Auth.KeyringUser, token); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %s\n", err)
					os.Exit(1)
				}
				fmt.Fprintln(os.Stderr, okStyle.Render("✓ Token stored in the keyring"))
			}
			fmt.Println(token)
		},
	}
	cmd.Flags().StringVar(&owner.UserID, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&owner.Name, "name", "", "display name shown to the phone")
	cmd.Flags().StringVar(&owner.Email, "email", "", "email shown to the phone")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	cmd.Flags().BoolVar(&save, "save", false, "also store the token in the keyring")
	return cmd
}
