package utils

import (
	"encoding/hex"
	"hash"
	"io"

	"github.com/zeebo/blake3"
)

// DigestSize длина хеша в байтах (hex-представление вдвое длиннее)
const DigestSize = 32

// Hasher инкрементально считает BLAKE3 хеш потока чанков.
// Реализует io.Writer, поэтому его можно подключать через io.MultiWriter.
type Hasher struct {
	h hash.Hash
}

// NewHasher создает пустой инкрементальный хешер
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Write добавляет очередной чанк к хешу
func (hs *Hasher) Write(p []byte) (int, error) {
	return hs.h.Write(p)
}

// HexDigest возвращает hex-хеш всех записанных байт.
// Состояние хешера не меняется, запись можно продолжать.
func (hs *Hasher) HexDigest() string {
	return hex.EncodeToString(hs.h.Sum(nil))
}

// Reset сбрасывает хешер к пустому состоянию
func (hs *Hasher) Reset() {
	hs.h.Reset()
}

// CalculateHash вычисляет BLAKE3 хеш данных
func CalculateHash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CalculateChunksHash вычисляет хеш последовательности чанков так,
// как если бы они были склеены в один буфер
func CalculateChunksHash(chunks ...[]byte) string {
	hs := NewHasher()
	for _, c := range chunks {
		hs.Write(c)
	}
	return hs.HexDigest()
}

// CalculateReaderHash вычисляет хеш содержимого reader без полной загрузки в память
func CalculateReaderHash(reader io.Reader) (string, int64, error) {
	hs := NewHasher()
	n, err := io.Copy(hs, reader)
	if err != nil {
		return "", n, err
	}
	return hs.HexDigest(), n, nil
}

// IsHexDigest проверяет, что строка похожа на hex-хеш нашего формата
func IsHexDigest(s string) bool {
	if len(s) != DigestSize*2 {
		return false
	}
	return IsHexString(s)
}

// IsHexString проверяет, что строка содержит только шестнадцатеричные символы
func IsHexString(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
