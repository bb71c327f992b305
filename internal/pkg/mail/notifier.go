package mail

import (
	"context"
	"fmt"
	"html"

	"github.com/ManuelReschke/ReelBoard/app/models"
)

// UserLookup loads the recipient of a notification.
type UserLookup interface {
	FindUser(ctx context.Context, userID uint) (*models.User, error)
}

// Notifier tells users their paid plan ended. Delivery is best effort.
type Notifier struct {
	mailer     *Mailer
	users      UserLookup
	pricingURL string
}

func NewNotifier(mailer *Mailer, users UserLookup, pricingURL string) *Notifier {
	return &Notifier{mailer: mailer, users: users, pricingURL: pricingURL}
}

func (n *Notifier) NotifyDowngrade(ctx context.Context, userID uint) error {
	u, err := n.users.FindUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user %d: %w", userID, err)
	}
	if u.Email == "" {
		return nil
	}
	body := fmt.Sprintf(
		"<p>Hi %s,</p><p>your ReelBoard subscription has ended and your account is now on the Free plan. "+
			"Your boards are kept, but the Free limits apply again.</p>"+
			`<p><a href="%s">Choose a plan</a> to get your Pro features back.</p>`,
		html.EscapeString(u.Name), html.EscapeString(n.pricingURL),
	)
	return n.mailer.SendMail(u.Email, "Your ReelBoard subscription has ended", body)
}
