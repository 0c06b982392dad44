package integration

import (
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-msp/internal/platform/money"
	"github.com/odyssey-erp/odyssey-msp/internal/proposals"
)

// message is a rendered notification before it is split per recipient.
type message struct {
	Subject string
	Body    string
}

const dateLayout = "2 Jan 2006 15:04 MST"

func headline(p proposals.ProposalRef) string {
	if p.Number == "" {
		return p.Title
	}
	return fmt.Sprintf("%s %s", p.Number, p.Title)
}

func amountLine(p proposals.ProposalRef) string {
	return "Total: " + money.Format(p.Currency, p.FinalAmount)
}

func approvalRequestedMessage(evt proposals.ApprovalRequestedEvent) message {
	return message{
		Subject: fmt.Sprintf("Approval requested: %s", headline(evt.Proposal)),
		Body: lines(
			fmt.Sprintf("Hello %s,", greeting(evt.ApproverName, evt.ApproverEmail)),
			fmt.Sprintf("Proposal %s is waiting for your level %d decision.", headline(evt.Proposal), evt.Level),
			amountLine(evt.Proposal),
			fmt.Sprintf("Please decide before %s.", evt.TimeoutAt.UTC().Format(dateLayout)),
		),
	}
}

func approvalOverdueMessage(evt proposals.ApprovalOverdueEvent) message {
	return message{
		Subject: fmt.Sprintf("Approval overdue: %s", headline(evt.Proposal)),
		Body: lines(
			fmt.Sprintf("Your level %d approval for %s was due %s.", evt.Level, headline(evt.Proposal), evt.TimeoutAt.UTC().Format(dateLayout)),
			amountLine(evt.Proposal),
		),
	}
}

func proposalApprovedMessage(evt proposals.ProposalApprovedEvent) message {
	return message{
		Subject: fmt.Sprintf("Proposal approved: %s", headline(evt.Proposal)),
		Body: lines(
			fmt.Sprintf("All approval levels for %s are complete.", headline(evt.Proposal)),
			amountLine(evt.Proposal),
			"The proposal can now be sent for signature.",
		),
	}
}

func proposalRejectedMessage(evt proposals.ProposalRejectedEvent) message {
	reason := evt.Reason
	if strings.TrimSpace(reason) == "" {
		reason = "no reason given"
	}
	return message{
		Subject: fmt.Sprintf("Proposal rejected: %s", headline(evt.Proposal)),
		Body: lines(
			fmt.Sprintf("%s was rejected at the %s stage.", headline(evt.Proposal), evt.Stage),
			"Reason: "+reason,
		),
	}
}

func signatureRequestedMessage(evt proposals.SignatureRequestedEvent) message {
	return message{
		Subject: fmt.Sprintf("Signature requested: %s", headline(evt.Proposal)),
		Body: lines(
			fmt.Sprintf("Hello %s,", greeting(evt.SignerName, evt.SignerEmail)),
			fmt.Sprintf("You have been asked to sign %s.", headline(evt.Proposal)),
			amountLine(evt.Proposal),
			"Verification code: "+evt.VerificationCode,
			fmt.Sprintf("This request expires %s.", evt.ExpiresAt.UTC().Format(dateLayout)),
		),
	}
}

func signatureExpiredMessage(evt proposals.SignatureExpiredEvent) message {
	return message{
		Subject: fmt.Sprintf("Signature request expired: %s", headline(evt.Proposal)),
		Body: lines(
			fmt.Sprintf("The signature request for %s expired %s.", headline(evt.Proposal), evt.ExpiredAt.UTC().Format(dateLayout)),
			"Ask the proposal owner for a new request if you still intend to sign.",
		),
	}
}

func proposalAcceptedMessage(evt proposals.ProposalAcceptedEvent) message {
	return message{
		Subject: fmt.Sprintf("Proposal accepted: %s", headline(evt.Proposal)),
		Body: lines(
			fmt.Sprintf("%s has been signed by every party.", headline(evt.Proposal)),
			amountLine(evt.Proposal),
			"Accepted "+evt.AcceptedAt.UTC().Format(time.RFC1123),
		),
	}
}

func greeting(name, email string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return email
}

func lines(parts ...string) string {
	return strings.Join(parts, "\n\n")
}
