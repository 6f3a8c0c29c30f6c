package settings

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSettings_ReadDotenv(t *testing.T) {
	t.Run("success - .env file is read into env variables", func(t *testing.T) {
		// arrange
		testDotEnvFile := ".env.test"
		f, err := os.Create(testDotEnvFile)
		if err != nil {
			t.Error(err)
		}
		lines := []string{
			`#COMMENTED=asdf`,
			`CRATECI_TEST=1234`,
			``,
			`CRATECI_TEST2= 2345 `,
		}
		for _, line := range lines {
			f.Write([]byte(line + "\n"))
		}
		f.Close()
		defer os.Remove(testDotEnvFile)

		// act
		ReadDotenv(testDotEnvFile)

		// assert
		assert.Equal(t, os.Getenv("CRATECI_TEST"), "1234")
		assert.Equal(t, os.Getenv("CRATECI_TEST2"), "2345")
	})
}

func TestSettings_SQLiteDbString(t *testing.T) {
	t.Run("readonly connection string uses ro mode", func(t *testing.T) {
		// arrange
		as := NewSettings()

		// act
		s := as.SQLiteDbString(true)

		// assert
		assert.Contains(t, s, "mode=ro")
		assert.Contains(t, s, "_journal_mode=WAL")
	})
	t.Run("read-write connection string uses rwc mode and immediate txlock", func(t *testing.T) {
		// arrange
		as := NewSettings()

		// act
		s := as.SQLiteDbString(false)

		// assert
		assert.Contains(t, s, "mode=rwc")
		assert.Contains(t, s, "_txlock=IMMEDIATE")
	})
}
