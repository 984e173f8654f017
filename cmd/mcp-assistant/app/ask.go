// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stacklok/mcp-assistant/pkg/logger"
)

func newAskCmd() *cobra.Command {
	var (
		url            string
		conversationID string
		newConv        bool
		systemPrompt   string
	)

	cmd := &cobra.Command{
		Use:   "ask [message]",
		Short: "Send a message to a running assistant",
		Long: `Send a message to a running assistant and print the reply.

With --new a conversation is started and with --conversation an existing one is
continued. The conversation id is printed to standard error so it can be reused.
With --system the message is answered using the given system prompt.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inConversation := newConv || conversationID != ""
			if inConversation && systemPrompt != "" {
				return fmt.Errorf("--system cannot be used in a conversation")
			}

			reply, err := newAPIClient(url).chat(cmd.Context(), chatMessage{
				Message:        strings.Join(args, " "),
				SystemPrompt:   systemPrompt,
				ConversationID: conversationID,
			}, inConversation)
			if err != nil {
				return err
			}

			if reply.ConversationID != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "conversation: %s\n", reply.ConversationID)
			}
			if reply.ToolLoopExhausted {
				logger.Warnf("The assistant stopped after the maximum number of tool calls")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), reply.Response)
			return err
		},
	}

	addURLFlag(cmd, &url)
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation id to continue")
	cmd.Flags().BoolVar(&newConv, "new", false, "Start a new conversation")
	cmd.Flags().StringVar(&systemPrompt, "system", "", "System prompt for this message")
	return cmd
}
