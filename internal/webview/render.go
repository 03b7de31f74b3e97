package webview

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/crush-match/crush/internal/social"
)

const (
	crushBadgeNone     = ""
	crushBadgeOutgoing = "crush"
	crushBadgeMutual   = "mutual crush"

	mastodonHandleFormat = "@%s@%s"
	twitterHandleFormat  = "@%s"
)

// MutualsPageData captures the state needed to render the mutual list page.
type MutualsPageData struct {
	OwnerName string
	Users     []social.User
	Errors    []string
}

type mutualsPageViewModel struct {
	Title     string
	OwnerName string
	HasOwner  bool
	Cards     []userCardViewModel
	Errors    []string
	CSS       template.CSS
}

type userCardViewModel struct {
	DisplayName string
	Handle      string
	AvatarURL   string
	CrushBadge  string
	IsMutual    bool
}

// RenderMutualsPage assembles the HTML output from the embedded template.
func RenderMutualsPage(pageData MutualsPageData) (string, error) {
	cssText, err := embeddedText(embeddedBaseCSSPath)
	if err != nil {
		return "", err
	}
	viewModel := newMutualsPageViewModel(pageData, cssText)
	tmpl, err := parseTemplates(embeddedFS, templateIndexFile)
	if err != nil {
		return "", fmt.Errorf("template parse: %w", err)
	}
	var buffer bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buffer, templateIndexName, viewModel); err != nil {
		return "", fmt.Errorf("template execute: %w", err)
	}
	return buffer.String(), nil
}

func newMutualsPageViewModel(pageData MutualsPageData, cssText string) mutualsPageViewModel {
	viewModel := mutualsPageViewModel{
		Title:     pageTitleText,
		OwnerName: pageData.OwnerName,
		HasOwner:  pageData.OwnerName != "",
		Errors:    pageData.Errors,
		CSS:       template.CSS(cssText),
	}
	for _, user := range pageData.Users {
		viewModel.Cards = append(viewModel.Cards, userCardViewModel{
			DisplayName: displayNameFor(user),
			Handle:      handleFor(user),
			AvatarURL:   user.AvatarURL,
			CrushBadge:  crushBadgeFor(user.Crush),
			IsMutual:    user.Crush == social.CrushMutual,
		})
	}
	return viewModel
}

func displayNameFor(user social.User) string {
	if user.FullName != "" {
		return user.FullName
	}
	return user.Username
}

func handleFor(user social.User) string {
	if user.Domain != "" {
		return fmt.Sprintf(mastodonHandleFormat, user.Username, user.Domain)
	}
	return fmt.Sprintf(twitterHandleFormat, user.Username)
}

func crushBadgeFor(crush social.CrushType) string {
	switch crush {
	case social.CrushMutual:
		return crushBadgeMutual
	case social.CrushOutgoing:
		return crushBadgeOutgoing
	default:
		return crushBadgeNone
	}
}
