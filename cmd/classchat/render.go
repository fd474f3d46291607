package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lrhodin/classchat/pkg/chatsync"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	unreadStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	teacherStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	studentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	pendingStyle  = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("8"))
	idColumnStyle = lipgloss.NewStyle().Width(18)
)

func truncate(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}

func renderConversation(conv chatsync.Conversation) string {
	var b strings.Builder
	b.WriteString(idColumnStyle.Render(conv.ID))
	b.WriteString(conv.DisplayName)
	if conv.IsFavorite {
		b.WriteString(" ★")
	}
	if conv.UnreadCount > 0 {
		b.WriteString(" ")
		b.WriteString(unreadStyle.Render(fmt.Sprintf("(%d)", conv.UnreadCount)))
	}
	if conv.Subtitle != "" {
		b.WriteString(dimStyle.Render(" · " + conv.Subtitle))
	}
	if conv.LastMessagePreview != "" {
		b.WriteString("\n")
		b.WriteString(idColumnStyle.Render(""))
		b.WriteString(dimStyle.Render(fmt.Sprintf("%s  %s", conv.LastMessageTime, truncate(conv.LastMessagePreview, 60))))
	}
	return b.String()
}

func printView(view chatsync.View, convs []chatsync.Conversation) {
	fmt.Println(headerStyle.Render(fmt.Sprintf("%s (%d)", view, len(convs))))
	if len(convs) == 0 {
		fmt.Println(dimStyle.Render("  nothing here"))
	}
	for _, conv := range convs {
		fmt.Println("  " + strings.ReplaceAll(renderConversation(conv), "\n", "\n  "))
	}
	fmt.Println()
}

func renderUnreadTotals(local, server int) string {
	if server < 0 {
		return fmt.Sprintf("Unread: %d", local)
	}
	return fmt.Sprintf("Unread: %d (server reports %d)", local, server)
}

func renderMessage(msg chatsync.Message) string {
	style := studentStyle
	if msg.Sender == chatsync.SenderTeacher {
		style = teacherStyle
	}
	line := fmt.Sprintf("%s %s: %s", dimStyle.Render(msg.DisplayTime), style.Render(msg.SenderName), msg.Text)
	if msg.Type != chatsync.MessageText {
		line += dimStyle.Render(fmt.Sprintf(" [%s]", msg.Type))
	}
	if msg.IsOptimistic {
		line += pendingStyle.Render(" (sending)")
	}
	return line
}

func printThread(conv chatsync.Conversation, thread []chatsync.Message) {
	fmt.Println(headerStyle.Render(conv.DisplayName))
	if len(thread) == 0 {
		fmt.Println(dimStyle.Render("No messages yet"))
		return
	}
	for _, msg := range thread {
		fmt.Println(renderMessage(msg))
	}
}
