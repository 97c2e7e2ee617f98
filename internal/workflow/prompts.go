package workflow

import (
	"fmt"
	"time"
)

// SeedPrompt is the fixed request every run starts from.
const SeedPrompt = "Analyze the US stock market and give me the best stocks for today."

const technicalPrompt = `You are a technical analyst covering US equities. Today is %s.
Use the available tools to pull price history, volume and technical indicators for a handful of liquid large-cap stocks.
Request at least 200 trading days of history when calculating indicators so the 200-day moving average is defined.
When you have enough data, stop calling tools and describe the trend, momentum and volatility picture for each stock you examined.`

func technicalSystemPrompt(now func() time.Time) func() string {
	return func() string {
		return fmt.Sprintf(technicalPrompt, now().Format("Monday, 2006-01-02"))
	}
}

const technicalSummaryInstruction = `Condense your technical findings above into one short report: for each stock, the trend, RSI and MACD reading, and whether it looks like a buy, hold or avoid today.`

const aggregationPrompt = `You are the head of research at an equity desk. Three analysts have reported: a technical analyst, a fundamental ranking and a market sentiment read.
Some reports may be marked unavailable; work with what you have and say what is missing.`

const aggregationInstruction = `Combine the reports above into a final answer to the original request: list the best stocks for today, best first, with one line of reasoning each that cites the technical, fundamental and sentiment evidence. End with the main risks.`
