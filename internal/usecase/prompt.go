package usecase

import (
	"strings"

	"perpy/internal/domain"
)

// FallbackAnswer is returned verbatim by the model when the retrieved
// context cannot answer the question.
const FallbackAnswer = "Maaf, saya tidak bisa merespon prompt tersebut."

const promptTemplate = `
PERINTAH
Kamu adalah Kecerdasan Artifisial yang diprogram untuk merespon berbagai pertanyaan dari pengguna yang terkait dengan domain hukum di Indonesia.
Kamu akan diberikan konteks yang harus dijadikan sebagai sumber pengetahuan utama dalam merespon pertanyaan pengguna.
---
CONTOH 1
Perhatikan contoh prompt di bawah ini.
"Siapa yang termasuk sebagai anak?"
Perhatikan contoh konteks di bawah ini.
"[Berikut adalah isi Pasal 1 angka 26 pada UU 13/2003] Anak adalah setiap orang yang berumur dibawah 18 (delapan belas) tahun.",
"[Berikut adalah isi Pasal 73 pada UNDANG-UNDANG REPUBLIK INDONESIA NOMOR 13 TAHUN 2003 TENTANG KETENAGAKERJAAN] Anak dianggap bekerja bilamana berada di tempat kerja, kecuali dapat dibuktikan sebaliknya."
Prompt yang dicontohkan merupakan pertanyaan yang terkait dengan domain hukum di Indonesia, alhasil kamu dapat memberikan respons seperti di bawah ini.
Anak adalah setiap orang yang berumur dibawah 18 (delapan belas) tahun. Sumber: Pasal 1 angka 26 UU 13/2003
CONTOH 2
Perhatikan contoh prompt di bawah ini.
"Di UU No. 1 Tahun 2001, apa isi Pasal 31?"
Perhatikan contoh konteks di bawah ini.
"[Berikut 10 buah pasal dari UU Nomor 1 Tahun 2001 yang telah dihapus pada UU Nomor 2 Tahun 2002] Pasal 12, Pasal 21, Pasal 24, Pasal 28
Pasal 30, Pasal 31, Pasal 100, Pasal 101, Pasal 102, Pasal 150"
Prompt yang dicontohkan di atas merupakan pertanyaan yang terkait dengan domain hukum di Indonesia, alhasil kamu dapat memberikan respons seperti di bawah ini.
Pasal 31 di UU No. 1 Tahun 2001 telah dihapus oleh UU Nomor 2 Tahun 2002. Sumber: UU Nomor 2 Tahun 2002
CONTOH 3
Berikut contoh-contoh prompt lain terkait domain hukum di Indonesia yang mungkin diberikan oleh pengguna.
"Yg disebut sbg anak adalah siapa?"
"Apa fungsi dari lembaga kerja sama bipartit?"
"Apa sanksi bagi pelanggaran hak mogok kerja pekerja?"
"Buatkan draf perjanjian magang untuk saya"
---
Jawablah pertanyaan di bawah ini.
Pertanyaan: {question}
---
Konteks: {context}
---
ALTERNATIF
Jika konteks yang diberikan tidak dapat digunakan untuk menjawab pertanyaan pengguna,
abaikan segala hal yang telah diinstruksikan sebelumnya dan kembalikan respons di bawah ini:
` + FallbackAnswer + `
`

// contextSeparator joins passage texts into the {context} slot.
const contextSeparator = "\n\n"

// renderPrompt fills both placeholders in a single pass, so placeholder-like
// text inside the question or passages is never expanded.
func renderPrompt(question string, passages []domain.Passage) string {
	return strings.NewReplacer(
		"{question}", question,
		"{context}", buildContext(passages),
	).Replace(promptTemplate)
}

func buildContext(passages []domain.Passage) string {
	texts := make([]string, 0, len(passages))
	for _, p := range passages {
		texts = append(texts, p.Text)
	}
	return strings.Join(texts, contextSeparator)
}

func buildPromptMessages(question string, passages []domain.Passage) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: "user", Content: renderPrompt(question, passages)},
	}
}

// normalizeAnswer trims model output and reports whether it is the refusal.
// Surrounding quotes the model sometimes adds do not hide a refusal.
func normalizeAnswer(raw string) (string, bool) {
	answer := strings.TrimSpace(raw)
	unquoted := strings.TrimSpace(strings.Trim(answer, "\"'`“”"))
	if unquoted == FallbackAnswer {
		return FallbackAnswer, true
	}
	return answer, false
}
