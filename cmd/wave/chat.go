package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wavemsg/wave/internal/chatindex"
	"github.com/wavemsg/wave/internal/directory"
	"github.com/wavemsg/wave/internal/domain"
	"github.com/wavemsg/wave/internal/presence"
	"github.com/wavemsg/wave/internal/session"
	"github.com/wavemsg/wave/internal/stream"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open the interactive chat shell",
	Long: "Resumes the stored session and drops into an interactive shell. " +
		"Type /help inside the shell for the command list.",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		defer e.close()

		ctx := cmd.Context()
		user, err := e.manager.Resume(ctx)
		if err != nil {
			if errors.Is(err, session.ErrNoSession) || errors.Is(err, session.ErrSessionInvalid) {
				return errors.New("no saved session; run `wave login` first")
			}
			return err
		}

		sh := &shell{
			env:  e,
			dir:  directory.New(e.store),
			user: user,
		}
		return sh.run(ctx)
	},
}

// errQuit ends the shell loop without reporting an error.
var errQuit = errors.New("quit")

// shell holds the state of one interactive chat session.
type shell struct {
	env   *env
	dir   *directory.Service
	user  *domain.User
	reg   *presence.Registry
	index *chatindex.Index
}

func (sh *shell) run(ctx context.Context) error {
	defer sh.env.manager.Logout(ctx)

	sh.reg = presence.NewRegistry(sh.env.store, sh.user.ID)
	defer sh.reg.Close()

	sh.index = chatindex.New(sh.env.store, sh.user.ID, sh.reg.Blocked)
	if err := sh.reg.Start(sh.index.Refresh); err != nil {
		return err
	}
	if err := sh.index.Open(renderRows); err != nil {
		return err
	}
	defer sh.index.Close()

	if err := sh.env.manager.StartHeartbeat(sh.env.cfg.HeartbeatInterval); err != nil {
		return err
	}

	fmt.Printf("signed in as @%s. /help for commands.\n", sh.user.Handle)

	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}
		err := sh.dispatch(ctx, line)
		if errors.Is(err, errQuit) {
			break
		}
		if err != nil {
			fmt.Println("error:", err)
		}
	}
	return in.Err()
}

func (sh *shell) dispatch(ctx context.Context, line string) error {
	if !strings.HasPrefix(line, "/") {
		return sh.send(ctx, line)
	}
	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "help":
		printHelp()
		return nil
	case "open":
		return sh.open(ctx, rest)
	case "close":
		sh.env.manager.CloseConversation()
		return nil
	case "search":
		return sh.search(ctx, rest)
	case "block":
		return sh.block(ctx, rest, true)
	case "unblock":
		return sh.block(ctx, rest, false)
	case "clear":
		return sh.clear(ctx)
	case "bio":
		return sh.dir.UpdateProfile(ctx, sh.user.ID, directory.ProfileUpdate{Bio: &rest})
	case "rename":
		if err := sh.dir.ChangeHandle(ctx, sh.user.ID, rest); err != nil {
			return err
		}
		sh.user.Handle = rest
		return sh.env.manager.SetCurrent(sh.user)
	case "kick":
		return sh.kick(ctx, rest)
	case "delete-account":
		if err := sh.dir.DeleteAccount(ctx, sh.user.ID); err != nil {
			return err
		}
		fmt.Println("account deleted")
		return errQuit
	case "delete-chat":
		return sh.deleteChat(ctx, rest)
	case "theme":
		if rest == "" {
			fmt.Println("theme:", sh.env.manager.Theme())
			return nil
		}
		sh.env.manager.SetTheme(rest)
		return nil
	case "whoami":
		fmt.Printf("@%s (%s)\n", sh.user.Handle, sh.user.Name)
		return nil
	default:
		return fmt.Errorf("unknown command /%s", cmd)
	}
}

// open finds the peer by handle and attaches the message stream. Messages
// print as they reconcile.
func (sh *shell) open(ctx context.Context, handle string) error {
	if handle == "" {
		return errors.New("usage: /open <username>")
	}
	peer, err := sh.findPeer(ctx, handle)
	if err != nil {
		return err
	}

	events := stream.Events{
		Append: printMessage,
		Remove: func(key string) {
			fmt.Printf("  (a message was deleted)\n")
		},
	}
	onPeer := func(p *domain.User) {
		if p == nil {
			fmt.Printf("  @%s deleted their account\n", handle)
			return
		}
		if p.Online {
			fmt.Printf("  @%s is online\n", p.Handle)
		} else {
			fmt.Printf("  @%s last seen %s\n", p.Handle,
				time.UnixMilli(p.LastSeen).Format(time.Kitchen))
		}
	}

	_, err = sh.env.manager.OpenConversation(ctx, peer, sh.reg.Blocked, events, onPeer)
	if errors.Is(err, presence.ErrBlocked) {
		return fmt.Errorf("@%s is blocked; /unblock them first", handle)
	}
	return err
}

func (sh *shell) send(ctx context.Context, text string) error {
	conv := sh.env.manager.ActiveConversation()
	if conv == nil {
		return errors.New("no open conversation; /open <username> first")
	}
	return conv.Composer.Send(ctx, text, "", nil)
}

func (sh *shell) search(ctx context.Context, term string) error {
	users, err := sh.dir.Search(ctx, term, sh.user.ID, sh.reg.Blocked)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Println("no matches")
		return nil
	}
	for _, u := range users {
		state := "offline"
		if u.Online {
			state = "online"
		}
		fmt.Printf("  @%-16s %s (%s)\n", u.Handle, u.Name, state)
	}
	return nil
}

func (sh *shell) block(ctx context.Context, handle string, block bool) error {
	peer, err := sh.findPeer(ctx, handle)
	if err != nil {
		return err
	}
	if block {
		if conv := sh.env.manager.ActiveConversation(); conv != nil && conv.PeerID == peer.ID {
			sh.env.manager.CloseConversation()
		}
		return sh.reg.Block(ctx, peer.ID)
	}
	return sh.reg.Unblock(ctx, peer.ID)
}

func (sh *shell) kick(ctx context.Context, handle string) error {
	target, err := sh.findPeer(ctx, handle)
	if err != nil {
		return err
	}
	return sh.dir.Kick(ctx, sh.user, target.ID)
}

func (sh *shell) clear(ctx context.Context) error {
	conv := sh.env.manager.ActiveConversation()
	if conv == nil {
		return errors.New("no open conversation")
	}
	return conv.Composer.ClearChat(ctx)
}

func (sh *shell) deleteChat(ctx context.Context, handle string) error {
	peer, err := sh.findPeer(ctx, handle)
	if err != nil {
		return err
	}
	if conv := sh.env.manager.ActiveConversation(); conv != nil && conv.PeerID == peer.ID {
		sh.env.manager.CloseConversation()
	}
	return sh.index.DeleteChat(ctx, peer.ID)
}

// findPeer resolves a handle to a user, ignoring the block list so that
// /unblock can still name its target.
func (sh *shell) findPeer(ctx context.Context, handle string) (*domain.User, error) {
	users, err := sh.dir.Search(ctx, handle, sh.user.ID, nil)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if strings.EqualFold(u.Handle, handle) {
			return u, nil
		}
	}
	return nil, directory.ErrUserNotFound
}

func renderRows(rows []chatindex.Row) {
	if len(rows) == 0 {
		return
	}
	fmt.Println("conversations:")
	for _, r := range rows {
		unread := ""
		if r.Summary.Unread > 0 {
			unread = fmt.Sprintf(" [%d]", r.Summary.Unread)
		}
		fmt.Printf("  @%-16s %s%s\n", r.Peer.Handle, r.Summary.LastMessage, unread)
	}
}

func printMessage(m domain.Message) {
	ts := time.UnixMilli(m.Timestamp).Format("15:04")
	if m.Type == domain.TypeSystem {
		fmt.Printf("  -- %s --\n", m.Text)
		return
	}
	body := m.Text
	if body == "" && m.Image != "" {
		body = "[image]"
	}
	fmt.Printf("  %s %s: %s\n", ts, m.AuthorName, body)
}

func printHelp() {
	fmt.Print(`commands:
  /open <username>      open a conversation
  /close                close the open conversation
  /search <term>        find users by handle
  /block <username>     block a user
  /unblock <username>   unblock a user
  /clear                clear the open conversation for both sides
  /delete-chat <user>   drop the conversation from your list
  /bio <text>           update your profile bio
  /rename <username>    change your handle
  /kick <username>      remove an account (developer only)
  /delete-account       delete your own account and sign out
  /theme [name]         show or set the theme
  /whoami               show the signed-in account
  /quit                 log out and exit
anything not starting with / is sent to the open conversation.
`)
}
