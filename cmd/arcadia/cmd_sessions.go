package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	sessionsLimit int

	messagesLimit int
	messagesAckID string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions with status, duration and cost",
	Long: `Each run iteration is one session. The list shows how far a project
has come and what each session cost; 'sessions show' adds pause state
for a session that was suspended mid-run.`,
	RunE: runSessions,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Show notes sessions left for their successors",
	Long: `Sessions hand off warnings and reminders through a message board; each
new session reads the unread ones into its context. This shows the
board from outside a run. --ack marks a message handled so the stats
reflect it; reading state is per-session and not affected.`,
	RunE: runMessages,
}

func runSessions(cmd *cobra.Command, args []string) error {
	dir, err := resolveProject(nil)
	if err != nil {
		return err
	}
	st, err := openProjectStore(dir)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListSessions(sessionsLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return nil
	}

	fmt.Printf("%-5s  %-10s  %-16s  %-9s  %s\n", "ID", "STATUS", "STARTED", "DURATION", "COST")
	for _, s := range sessions {
		dur := "-"
		if s.EndTime != nil {
			dur = s.EndTime.Sub(s.StartTime).Round(time.Second).String()
		}
		fmt.Printf("%-5d  %-10s  %-16s  %-9s  $%.4f\n",
			s.ID, s.Status, s.StartTime.Format("2006-01-02 15:04"), dur, s.TotalCost)
	}

	total, err := st.TotalCost()
	if err != nil {
		return err
	}
	fmt.Printf("\n%d session(s), $%.4f total\n", len(sessions), total)
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid session id %q", args[0])
	}

	dir, err := resolveProject(nil)
	if err != nil {
		return err
	}
	st, err := openProjectStore(dir)
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := st.GetSession(id)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %d not found", id)
	}

	fmt.Printf("Session %d (%s)\n", sess.ID, sess.UUID)
	fmt.Printf("Status:    %s\n", sess.Status)
	fmt.Printf("Started:   %s\n", sess.StartTime.Format("2006-01-02 15:04:05"))
	if sess.EndTime != nil {
		fmt.Printf("Ended:     %s (%s)\n",
			sess.EndTime.Format("2006-01-02 15:04:05"),
			sess.EndTime.Sub(sess.StartTime).Round(time.Second))
	}
	fmt.Printf("Cost:      $%.4f\n", sess.TotalCost)

	paused, err := st.GetPausedSession(id)
	if err != nil {
		return err
	}
	if paused != nil {
		fmt.Printf("Paused:    %s (%s)\n", paused.PausedAt.Format("2006-01-02 15:04"), paused.Reason)
		if paused.HumanNotes != "" {
			fmt.Printf("Notes:     %s\n", paused.HumanNotes)
		}
	}
	return nil
}

func runMessages(cmd *cobra.Command, args []string) error {
	dir, err := resolveProject(nil)
	if err != nil {
		return err
	}
	st, err := openProjectStore(dir)
	if err != nil {
		return err
	}
	defer st.Close()

	if messagesAckID != "" {
		// 0 = acknowledged from outside any session.
		if err := st.AcknowledgeMessage(messagesAckID, 0); err != nil {
			return err
		}
		fmt.Printf("Acknowledged %s\n", messagesAckID)
		return nil
	}

	msgs, err := st.ListAgentMessages(messagesLimit)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		fmt.Println("No messages on the board.")
		return nil
	}
	for _, m := range msgs {
		mark := " "
		if m.Acknowledged {
			mark = "✓"
		}
		fmt.Printf("%s %-10s  [%-8s p%d]  session %d  %s\n",
			mark, m.MessageID, m.MessageType, m.Priority, m.CreatedBySession, m.Subject)
		if m.Body != "" {
			fmt.Printf("              %s\n", truncateText(m.Body, 70))
		}
		if len(m.ReadBySessions) > 0 {
			fmt.Printf("              read by sessions %v\n", m.ReadBySessions)
		}
	}
	return nil
}

func init() {
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum sessions")
	sessionsCmd.AddCommand(sessionsShowCmd)

	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 20, "Maximum messages")
	messagesCmd.Flags().StringVar(&messagesAckID, "ack", "", "Acknowledge a message by ID")

	rootCmd.AddCommand(sessionsCmd, messagesCmd)
}
