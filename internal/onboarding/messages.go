package onboarding

import "fmt"

const (
	welcomeMessage = "Welcome! This number lets you link your account to SMS. " +
		"Reply YES to continue or STOP to opt out."
	optOutMessage                = "You're opted out. You won't receive further messages from this number."
	askConsentAgainMessage       = "Sorry, I didn't catch that. Reply YES to continue or STOP to opt out."
	askEmailMessage              = "Great — what's the email address for your account?"
	invalidEmailMessage          = "That doesn't look like a valid email address. Please try again."
	askNameMessage               = "Thanks. What's your full name?"
	invalidNameMessage           = "Please reply with your name (up to 100 characters)."
	stillWaitingForSignupMessage = "We're still waiting on your signup to complete. Finish it using the link we sent."
	restartMessage               = "That verification attempt expired. Text us again to restart."
	welcomeCompleteMessage       = "You're verified! This number is now linked to your account."
)

func signupLinkMessage(token string) string {
	return fmt.Sprintf("Almost done — finish creating your account here: https://signup.example.com/s/%s", token)
}

func verificationCodeMessage(code string) string {
	return fmt.Sprintf("Your verification code is %s. Reply with it to finish linking this number.", code)
}

func wrongCodeMessage(attemptsRemaining int) string {
	if attemptsRemaining == 1 {
		return "That code didn't match. You have 1 attempt left."
	}
	return fmt.Sprintf("That code didn't match. You have %d attempts left.", attemptsRemaining)
}
