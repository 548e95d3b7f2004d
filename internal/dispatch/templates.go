package dispatch

import (
	"fmt"

	"otp-service/internal/model"
)

// Message copy per locale. Plain string tables; nothing here varies enough
// to justify a template engine.

func smsText(locale, code string) string {
	switch locale {
	case "ko":
		return fmt.Sprintf("[인증번호] %s 를 입력해 주세요. 10분 안에 만료됩니다.", code)
	default:
		return fmt.Sprintf("Tu código de verificación es %s. Expira en 10 minutos.", code)
	}
}

func emailSubject(locale string, purpose model.Purpose) string {
	if purpose == model.PurposePasswordReset {
		if locale == "ko" {
			return "비밀번호 재설정 인증번호"
		}
		return "Restablecimiento de contraseña"
	}
	if locale == "ko" {
		return "이메일 인증번호 안내"
	}
	return "Tu código de verificación"
}

func emailBody(locale, code string) string {
	var heading, line1, line2 string
	switch locale {
	case "ko":
		heading = "인증번호"
		line1 = "아래 인증번호를 입력해 주세요."
		line2 = "이 번호는 10분 후 만료되며, 요청하지 않았다면 이 메일을 무시하세요."
	default:
		heading = "Código de verificación"
		line1 = "Introduce el siguiente código para continuar."
		line2 = "Este código expira en 10 minutos. Si no lo solicitaste, ignora este correo."
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: 'Helvetica Neue', Helvetica, Arial, sans-serif; background-color: #F6F6F6; margin: 0; padding: 0;">
  <div style="max-width: 480px; margin: 40px auto; background: #FFFFFF; border-radius: 8px; padding: 32px;">
    <h2 style="margin-top: 0;">%s</h2>
    <p>%s</p>
    <p style="font-size: 32px; font-weight: bold; letter-spacing: 8px; text-align: center; margin: 24px 0;">%s</p>
    <p style="font-size: 13px; color: #666666;">%s</p>
  </div>
</body>
</html>`, heading, line1, code, line2)
}
