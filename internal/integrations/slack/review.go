package slackbot

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/slack-go/slack"

	"postparser/internal/domain"
)

const maxPreviewRunes = 280

// ReviewNotifier posts results that need a human look to a review channel.
type ReviewNotifier struct {
	api       *slack.Client
	channelID string
}

func NewReviewNotifier(api *slack.Client, channelID string) *ReviewNotifier {
	return &ReviewNotifier{api: api, channelID: channelID}
}

// NeedsReview reports whether res should be sent for review.
func NeedsReview(res domain.ConsensusResult) bool {
	return res.AgreementLevel == domain.AgreementLow
}

func (n *ReviewNotifier) Notify(ctx context.Context, post domain.PostInput, res domain.ConsensusResult) error {
	if !NeedsReview(res) {
		return nil
	}
	blocks := reviewBlocks(post, res)
	fallback := fmt.Sprintf("Low agreement on post %s (score %.2f)", post.ID, res.ConsensusScore)
	_, _, err := n.api.PostMessageContext(ctx, n.channelID,
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("post review for %s: %w", post.ID, err)
	}
	log.Printf("slack: review posted post=%s channel=%s conflicts=%d", post.ID, n.channelID, len(res.Conflicts))
	return nil
}

func reviewBlocks(post domain.PostInput, res domain.ConsensusResult) []slack.Block {
	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject(slack.PlainTextType,
				fmt.Sprintf("Review needed: post %s", post.ID), false, false),
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, "> "+preview(post.Text), false, false),
			nil, nil,
		),
	}

	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Score*\n%.2f (%s)", res.ConsensusScore, res.AgreementLevel), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Event*\n%s", orDash(res.FinalResult.EventType)), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Geo*\n%s", geoSummary(res)), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Layers*\n%s", layerSummary(res)), false, false),
	}
	blocks = append(blocks, slack.NewSectionBlock(nil, fields, nil))

	if len(res.Conflicts) > 0 {
		var lines []string
		for _, c := range res.Conflicts {
			lines = append(lines, fmt.Sprintf("• *%s*: %s", c.Field, conflictValues(c)))
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, strings.Join(lines, "\n"), false, false),
			nil, nil,
		))
	}
	if post.AuthorHandle != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, "Author: @"+strings.TrimPrefix(post.AuthorHandle, "@"), false, false),
		))
	}
	return blocks
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) > maxPreviewRunes {
		return string(r[:maxPreviewRunes]) + "…"
	}
	if text == "" {
		return "_empty_"
	}
	return text
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func geoSummary(res domain.ConsensusResult) string {
	if !res.GeoVerified || len(res.GeoMatches) == 0 {
		return "unverified"
	}
	m := res.GeoMatches[0]
	place := m.District
	switch {
	case m.WardNo > 0:
		place = fmt.Sprintf("%s ward %d", m.ULB, m.WardNo)
	case m.ULB != "":
		place = m.ULB
	case m.Village != "":
		place = m.Village
	case m.Block != "":
		place = m.Block
	case m.Assembly != "":
		place = m.Assembly
	}
	return fmt.Sprintf("%s (%s)", place, res.GeoBackendUsed)
}

func layerSummary(res domain.ConsensusResult) string {
	var parts []string
	for _, src := range domain.LayerSources {
		ext, ran := res.LayerResults[src]
		switch {
		case !ran:
			continue
		case ext == nil:
			parts = append(parts, string(src)+" failed")
		default:
			parts = append(parts, string(src)+" ok")
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ", ")
}

func conflictValues(c domain.FieldConflict) string {
	srcs := make([]domain.Source, 0, len(c.Values))
	for src := range c.Values {
		srcs = append(srcs, src)
	}
	sort.Slice(srcs, func(i, j int) bool { return srcs[i].Priority() < srcs[j].Priority() })
	parts := make([]string, 0, len(srcs))
	for _, src := range srcs {
		var v string
		switch val := c.Values[src].(type) {
		case string:
			v = orDash(val)
		case []string:
			v = orDash(strings.Join(val, ", "))
		default:
			v = fmt.Sprint(val)
		}
		parts = append(parts, fmt.Sprintf("%s=%s", src, v))
	}
	return strings.Join(parts, "; ")
}
