package notifier

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/psryland/coinflip-core/internal/utils"
)

type TelegramNotifier struct {
	Token   string
	ChatID  string
	Retries int
	Delay   time.Duration
}

func NewTelegramNotifier(token, chatID string, retries int, delay time.Duration) *TelegramNotifier {
	return &TelegramNotifier{Token: token, ChatID: chatID, Retries: retries, Delay: delay}
}

func (t *TelegramNotifier) Send(message string) error {
	apiURL := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.Token)
	resp, err := http.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

func (t *TelegramNotifier) SendWithRetry(message string) error {
	var err error
	for attempt := 1; attempt <= t.Retries; attempt++ {
		if err = t.Send(message); err == nil {
			return nil
		}
		utils.GetLogger().Printf("Notifier | Telegram send failed (attempt %d/%d): %v", attempt, t.Retries, err)
		time.Sleep(t.Delay)
	}
	return err
}
