package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wavemsg/wave/internal/directory"
)

var (
	flagName     string
	flagHandle   string
	flagPassword string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and store the session locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		dir := directory.New(e.store)
		user, err := dir.Register(cmd.Context(), flagName, flagHandle, flagPassword)
		if err != nil {
			return authError(err)
		}
		if err := e.manager.SetCurrent(user); err != nil {
			return err
		}
		fmt.Printf("registered @%s (%s)\n", user.Handle, user.Name)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the session locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		dir := directory.New(e.store)
		user, err := dir.Login(cmd.Context(), flagHandle, flagPassword)
		if err != nil {
			return authError(err)
		}
		if err := e.manager.SetCurrent(user); err != nil {
			return err
		}
		fmt.Printf("logged in as @%s\n", user.Handle)
		return nil
	},
}

func init() {
	registerCmd.Flags().StringVar(&flagName, "name", "", "display name")
	registerCmd.Flags().StringVar(&flagHandle, "username", "", "unique handle")
	registerCmd.Flags().StringVar(&flagPassword, "password", "", "account password")

	loginCmd.Flags().StringVar(&flagHandle, "username", "", "unique handle")
	loginCmd.Flags().StringVar(&flagPassword, "password", "", "account password")
}

// authError flattens directory errors into something printable without a
// stack of wrapping.
func authError(err error) error {
	var verr *directory.ValidationError
	if errors.As(err, &verr) {
		return fmt.Errorf("invalid input: %s", verr.Error())
	}
	switch {
	case errors.Is(err, directory.ErrHandleTaken):
		return errors.New("that username is taken")
	case errors.Is(err, directory.ErrInvalidCredentials):
		return errors.New("wrong username or password")
	}
	return err
}
