package admin

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message keys double as the English text.
const (
	msgNoPermission    = "You do not have permission to use this command."
	msgUsage           = "Usage: /explosionprotector <enable|disable|stats|cache|fallbacks|explain>"
	msgUnknownCommand  = "Unknown command. Usage: /explosionprotector <enable|disable|stats|cache|fallbacks|explain>"
	msgEnabled         = "Explosion protection enabled."
	msgDisabled        = "Explosion protection disabled."
	msgStatsHeader     = "ExplosionProtector statistics:"
	msgStatsProtected  = "Prevented blocks: %d"
	msgStatsQueries    = "Ledger queries: %d"
	msgStatsFallbacks  = "Ledger fallbacks: %d"
	msgStatsExplosions = "Explosions filtered: %d"
	msgStatsHitRatio   = "Cache hit ratio: %.1f%%"
	msgStatsState      = "Protection: %s"
	msgStateOn         = "on"
	msgStateOff        = "off"
	msgStatsReset      = "Statistics reset."
	msgCacheUsage      = "Usage: /explosionprotector cache <status|clear>"
	msgCacheInvalid    = "Invalid cache command. Use status or clear."
	msgCacheStatus     = "Cache: %d/%d entries, ttl %s, %d hits, %d misses, %d evictions"
	msgCacheCleared    = "Cache successfully cleared."
	msgFallbacksNone   = "No ledger fallbacks recorded."
	msgFallbacksHeader = "Recent ledger fallbacks (%d):"
	msgFallbackLine    = "%s %s at %s: %s"
	msgExplainUsage    = "Usage: /explosionprotector explain <world> <x> <y> <z>"
	msgExplainBadCoord = "Invalid coordinate: %s"
	msgExplainFailed   = "Ledger lookup failed: %s"
	msgExplainEmpty    = "%s: no ledger history."
	msgExplainLine     = "%s tick %d %s by %s (%s -> %s)"
	msgExplainVerdict  = "%s: player placed = %t"
	msgExplainNoActor  = "<none>"
)

var translations = map[language.Tag]map[string]string{
	language.Russian: {
		msgNoPermission:    "У вас нет прав на использование этой команды.",
		msgUsage:           "Использование: /explosionprotector <enable|disable|stats|cache|fallbacks|explain>",
		msgUnknownCommand:  "Неизвестная команда. Использование: /explosionprotector <enable|disable|stats|cache|fallbacks|explain>",
		msgEnabled:         "Защита от взрывов включена.",
		msgDisabled:        "Защита от взрывов отключена.",
		msgStatsHeader:     "Статистика ExplosionProtector:",
		msgStatsProtected:  "Защищено блоков: %d",
		msgStatsQueries:    "Запросов к журналу: %d",
		msgStatsFallbacks:  "Сбоев журнала: %d",
		msgStatsExplosions: "Обработано взрывов: %d",
		msgStatsHitRatio:   "Попадания в кэш: %.1f%%",
		msgStatsState:      "Защита: %s",
		msgStateOn:         "включена",
		msgStateOff:        "отключена",
		msgStatsReset:      "Статистика сброшена.",
		msgCacheUsage:      "Использование: /explosionprotector cache <status|clear>",
		msgCacheInvalid:    "Неверная команда кэша. Используйте status или clear.",
		msgCacheStatus:     "Кэш: %d/%d записей, ttl %s, попаданий %d, промахов %d, вытеснено %d",
		msgCacheCleared:    "Кэш успешно очищен.",
		msgFallbacksNone:   "Сбоев журнала не зафиксировано.",
		msgFallbacksHeader: "Последние сбои журнала (%d):",
		msgFallbackLine:    "%s %s в %s: %s",
		msgExplainUsage:    "Использование: /explosionprotector explain <world> <x> <y> <z>",
		msgExplainBadCoord: "Неверная координата: %s",
		msgExplainFailed:   "Ошибка запроса к журналу: %s",
		msgExplainEmpty:    "%s: история отсутствует.",
		msgExplainLine:     "%s тик %d %s, автор %s (%s -> %s)",
		msgExplainVerdict:  "%s: поставлен игроком = %t",
		msgExplainNoActor:  "<нет>",
	},
}

var supportedTags = []language.Tag{language.English, language.Russian}

var tagMatcher = language.NewMatcher(supportedTags)

func init() {
	for tag, msgs := range translations {
		for key, text := range msgs {
			_ = message.SetString(tag, key, text)
		}
	}
}

// resolveTag picks the best supported language for a locale such as "ru",
// "ru_RU" or "en-GB". Unknown or empty locales fall back to fallback.
func resolveTag(locale string, fallback language.Tag) language.Tag {
	locale = strings.ReplaceAll(strings.TrimSpace(locale), "_", "-")
	if locale == "" {
		return fallback
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return fallback
	}
	_, idx, conf := tagMatcher.Match(tag)
	if conf == language.No {
		return fallback
	}
	return supportedTags[idx]
}
