package meshlang

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/davidmnoll/meshlang/src/config"
	"github.com/davidmnoll/meshlang/src/crypto/keys"
)

func testConfig(t *testing.T) *config.Config {
	conf := config.NewTestConfig(t)
	conf.SetDataDir("test_data")
	conf.DatabaseDir = filepath.Join("test_data", config.DefaultBadgerFile)
	return conf
}

func TestInitKey(t *testing.T) {
	os.RemoveAll("test_data")
	os.Mkdir("test_data", os.ModeDir|0777)
	defer os.RemoveAll("test_data")

	conf := testConfig(t)

	engine := NewMeshlang(conf)

	if err := engine.initKey(); err != nil {
		t.Fatal(err)
	}

	pub := keys.PublicKeyHex(&conf.Key.PublicKey)

	// a second engine over the same datadir must load the same key
	conf2 := testConfig(t)

	engine2 := NewMeshlang(conf2)

	if err := engine2.initKey(); err != nil {
		t.Fatal(err)
	}

	if pub2 := keys.PublicKeyHex(&conf2.Key.PublicKey); pub2 != pub {
		t.Fatalf("keys differ: %s != %s", pub2, pub)
	}
}

func TestInitStore(t *testing.T) {
	os.RemoveAll("test_data")
	os.Mkdir("test_data", os.ModeDir|0777)
	defer os.RemoveAll("test_data")

	conf := testConfig(t)
	conf.Store = true

	engine := NewMeshlang(conf)

	if err := engine.initStore(); err != nil {
		t.Fatal(err)
	}

	if err := engine.Store.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(conf.DatabaseDir); err != nil {
		t.Fatal(err)
	}
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	os.RemoveAll("test_data")
	os.Mkdir("test_data", os.ModeDir|0777)
	defer os.RemoveAll("test_data")

	keyfile := filepath.Join("test_data", config.DefaultKeyfile)

	if _, err := Keygen(keyfile); err != nil {
		t.Fatal(err)
	}

	if _, err := Keygen(keyfile); err == nil {
		t.Fatal("expected an error generating over an existing key")
	}
}
