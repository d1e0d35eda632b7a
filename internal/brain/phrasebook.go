package brain

// UserFacingError maps a typed error code to a fixed Russian phrase the UI
// can show when a chat response cannot be produced. The phrasing is part of
// the product contract and must stay stable.
func UserFacingError(errorType string) string {
	switch errorType {
	case ErrBudget:
		return "Лимит обращений к модели для этого запроса исчерпан. Попробуйте продолжить в новом запросе."
	case ErrMissingAPIKey:
		return "Облачная модель не настроена: отсутствует API-ключ. Я продолжу работать локально."
	case ErrModelNotFound:
		return "Локальная модель не найдена. Проверьте, что модель загружена (ollama pull), и повторите запрос."
	case ErrConnection:
		return "Не удалось связаться с моделью. Проверьте, что локальный сервер модели запущен."
	default:
		return "Модель временно недоступна, попробуйте ещё раз чуть позже."
	}
}
